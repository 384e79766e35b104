package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cmdlog.sock"
	}
	return filepath.Join(home, ".cmdlog", "control.sock")
}

// Client connects to a control socket.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Connect connects to the control socket at socketPath.
func Connect(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Client{conn: conn, scanner: scanner}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status requests the server's current status.
func (c *Client) Status() (*StatusResponse, error) {
	payload, err := c.call(TypeStatusRequest, TypeStatusResponse)
	if err != nil {
		return nil, err
	}
	resp, err := DecodePayload[StatusResponse](payload)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clear empties the log and returns the resulting status.
func (c *Client) Clear() (*StatusResponse, error) {
	payload, err := c.call(TypeClearRequest, TypeClearResponse)
	if err != nil {
		return nil, err
	}
	resp, err := DecodePayload[ClearResponse](payload)
	if err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

// call sends a request without payload and waits for a reply of type want.
func (c *Client) call(msgType, want string) (json.RawMessage, error) {
	if err := c.send(msgType, nil); err != nil {
		return nil, err
	}

	gotType, payload, err := c.recv()
	if err != nil {
		return nil, err
	}
	if gotType == TypeError {
		errMsg, _ := DecodePayload[Error](payload)
		return nil, fmt.Errorf("server error: %s", errMsg.Message)
	}
	if gotType != want {
		return nil, fmt.Errorf("unexpected response type: %s", gotType)
	}
	return payload, nil
}

func (c *Client) send(msgType string, payload any) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *Client) recv() (string, json.RawMessage, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", nil, err
		}
		return "", nil, errors.New("connection closed")
	}
	return Decode(c.scanner.Bytes())
}

// IsRunning checks if a server is listening at socketPath.
func IsRunning(socketPath string) bool {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
