package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// LogsOptions configures the logs command.
type LogsOptions struct {
	ServerURL string // HTTP API base, e.g. http://localhost:8080
	Offset    int64  // first byte; negative fetches the whole log
	Limit     int
}

// Logs fetches the log, or a range of it, from the HTTP API.
func Logs(ctx context.Context, opts LogsOptions, out io.Writer) error {
	q := url.Values{}
	if opts.Offset >= 0 {
		q.Set("offset", strconv.FormatInt(opts.Offset, 10))
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	apiURL := opts.ServerURL + "/api/log"
	if len(q) > 0 {
		apiURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil // offset at or past the end
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}
