package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// SendOptions configures the send command.
type SendOptions struct {
	Network    string // default tcp4
	Addr       string
	Terminator byte   // default '\n'
	Timeout    time.Duration
}

// Send delivers payload to a cmdlog server and copies every reply to out.
// A missing final terminator is added. The server answers each command
// with the whole log, so out receives one copy of the log per command.
func Send(ctx context.Context, opts SendOptions, payload []byte, out io.Writer) error {
	if len(payload) == 0 {
		return errors.New("nothing to send")
	}
	network := opts.Network
	if network == "" {
		network = "tcp4"
	}
	terminator := opts.Terminator
	if terminator == 0 {
		terminator = '\n'
	}
	if payload[len(payload)-1] != terminator {
		payload = append(payload, terminator)
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, opts.Addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.Addr, err)
	}
	defer conn.Close()

	if opts.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	// Half-close so the server sees end of input and ends the session
	// after answering.
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("close write: %w", err)
		}
	}

	if _, err := io.Copy(out, conn); err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// SendPayload returns what `cmdlog send` transmits: the arguments joined by
// spaces, or all of stdin when there are no arguments and stdin is not a
// terminal.
func SendPayload(args []string, stdin *os.File) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}
	if term.IsTerminal(int(stdin.Fd())) {
		return nil, errors.New("no command given (pass arguments or pipe input)")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}
