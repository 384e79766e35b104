package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/ehrlich-b/cmdlog/internal/control"
)

// Status prints the state of the server behind socketPath.
func Status(socketPath string, out io.Writer) error {
	if !control.IsRunning(socketPath) {
		return fmt.Errorf("no cmdlog server at %s", socketPath)
	}

	client, err := control.Connect(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status()
	if err != nil {
		return err
	}
	PrintStatus(out, st)
	return nil
}

// Clear empties the log of the server behind socketPath.
func Clear(socketPath string, out io.Writer) error {
	client, err := control.Connect(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Clear()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "log cleared")
	PrintStatus(out, st)
	return nil
}

// PrintStatus renders a status response for humans.
func PrintStatus(out io.Writer, st *control.StatusResponse) {
	capacity := "unbounded"
	if st.Capacity > 0 {
		capacity = humanize.Comma(int64(st.Capacity)) + " commands"
	}

	fmt.Fprintf(out, "version:   %s\n", st.Version)
	fmt.Fprintf(out, "backend:   %s\n", st.Backend)
	fmt.Fprintf(out, "capacity:  %s\n", capacity)
	fmt.Fprintf(out, "records:   %s (%s)\n", humanize.Comma(int64(st.Records)), humanize.IBytes(uint64(st.Bytes)))
	fmt.Fprintf(out, "appends:   %s\n", humanize.Comma(int64(st.Appends)))
	fmt.Fprintf(out, "evictions: %s\n", humanize.Comma(int64(st.Evictions)))
	fmt.Fprintf(out, "sessions:  %d\n", st.Sessions)
	fmt.Fprintf(out, "digest:    %s\n", st.Digest)
}
