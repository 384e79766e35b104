package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/cmdlog/internal/config"
	"github.com/ehrlich-b/cmdlog/internal/control"
	"github.com/ehrlich-b/cmdlog/internal/logstore"
)

func startServe(t *testing.T, cfg *config.Config) (Listeners, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	readyCh := make(chan Listeners, 1)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ServeOptions{
			Config:  cfg,
			Version: "test",
			Stderr:  &bytes.Buffer{},
			Ready:   func(l Listeners) { readyCh <- l },
		})
	}()

	select {
	case l := <-readyCh:
		return l, cancel, done
	case err := <-done:
		cancel()
		t.Fatalf("Serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("timed out waiting for Serve")
	}
	return Listeners{}, cancel, done
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.HTTPListen = "127.0.0.1:0"
	cfg.ControlSocket = filepath.Join(dir, "ctl.sock")
	cfg.ShutdownTimeout = config.Duration(2 * time.Second)
	return cfg
}

func TestServeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	dataFile := filepath.Join(t.TempDir(), "cmdlogdata")
	cfg.Capacity = 2
	cfg.Storage = config.Storage{Backend: config.BackendFile, Path: dataFile, RemoveOnClose: true}

	l, cancel, done := startServe(t, cfg)
	defer cancel()

	ctx := context.Background()
	send := func(cmd, want string) {
		t.Helper()
		var out bytes.Buffer
		if err := Send(ctx, SendOptions{Addr: l.TCP.String(), Timeout: 5 * time.Second}, []byte(cmd), &out); err != nil {
			t.Fatalf("Send(%q) failed: %v", cmd, err)
		}
		if out.String() != want {
			t.Errorf("Send(%q) = %q, want %q", cmd, out.String(), want)
		}
	}
	send("A", "A\n")
	send("B\n", "A\nB\n")
	send("C", "B\nC\n")

	var status bytes.Buffer
	if err := Status(l.ControlSocket, &status); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, want := range []string{"backend:   file", "records:   2 (4 B)", "evictions: 1", "version:   test"} {
		if !strings.Contains(status.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, status.String())
		}
	}

	var logs bytes.Buffer
	if err := Logs(ctx, LogsOptions{ServerURL: "http://" + l.HTTP.String(), Offset: -1}, &logs); err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if logs.String() != "B\nC\n" {
		t.Errorf("Logs() = %q, want %q", logs.String(), "B\nC\n")
	}

	journal, err := os.ReadFile(dataFile)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if string(journal) != "A\nB\nC\n" {
		t.Errorf("journal = %q, want %q", journal, "A\nB\nC\n")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not stop")
	}

	if _, err := os.Stat(dataFile); !os.IsNotExist(err) {
		t.Errorf("data file should be removed on shutdown, stat err = %v", err)
	}
	if control.IsRunning(l.ControlSocket) {
		t.Error("control socket still answering after shutdown")
	}
}

func TestServeClearAndRange(t *testing.T) {
	cfg := testConfig(t)
	l, cancel, done := startServe(t, cfg)
	defer func() {
		cancel()
		<-done
	}()

	ctx := context.Background()
	opts := SendOptions{Addr: l.TCP.String(), Timeout: 5 * time.Second}
	if err := Send(ctx, opts, []byte("first\nsecond"), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}

	var part bytes.Buffer
	err := Logs(ctx, LogsOptions{ServerURL: "http://" + l.HTTP.String(), Offset: 6, Limit: 3}, &part)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if part.String() != "sec" {
		t.Errorf("ranged Logs() = %q, want %q", part.String(), "sec")
	}

	var out bytes.Buffer
	if err := Clear(l.ControlSocket, &out); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if !strings.Contains(out.String(), "records:   0") {
		t.Errorf("clear output = %q", out.String())
	}

	var empty bytes.Buffer
	if err := Logs(ctx, LogsOptions{ServerURL: "http://" + l.HTTP.String(), Offset: 0}, &empty); err != nil {
		t.Fatalf("Logs after clear failed: %v", err)
	}
	if empty.Len() != 0 {
		t.Errorf("Logs() after clear = %q, want empty", empty.String())
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capacity = 0 // unbounded without a backend

	err := Serve(context.Background(), ServeOptions{Config: cfg, Stderr: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("err = %v, want invalid config", err)
	}
}

func TestSendNothing(t *testing.T) {
	if err := Send(context.Background(), SendOptions{Addr: "127.0.0.1:1"}, nil, &bytes.Buffer{}); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestSendPayload(t *testing.T) {
	got, err := SendPayload([]string{"echo", "hi"}, os.Stdin)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "echo hi" {
		t.Errorf("payload = %q, want %q", got, "echo hi")
	}

	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("one\ntwo\n")
	f.Seek(0, 0)
	defer f.Close()

	got, err = SendPayload(nil, f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one\ntwo\n" {
		t.Errorf("payload = %q, want %q", got, "one\ntwo\n")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "cmdlog.log")
	var stderr bytes.Buffer
	log, closeLog, err := NewLogger(&stderr, logFile, true)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	log.Debug("debug line", "k", "v")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "debug line") || !strings.Contains(stderr.String(), "debug line") {
		t.Errorf("debug line missing: file=%q stderr=%q", data, stderr.String())
	}
}

func TestNewLoggerInfoLevel(t *testing.T) {
	var stderr bytes.Buffer
	log, _, err := NewLogger(&stderr, "", false)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hidden")
	if stderr.Len() != 0 {
		t.Errorf("debug output at info level: %q", stderr.String())
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	log := slog.Default()

	b, err := OpenBackend(ctx, config.Storage{Backend: config.BackendNone}, log)
	if err != nil || b != nil {
		t.Errorf("none backend = %v, %v; want nil, nil", b, err)
	}

	dir := t.TempDir()
	for _, st := range []config.Storage{
		{Backend: config.BackendFile, Path: filepath.Join(dir, "data")},
		{Backend: config.BackendSQLite, Path: filepath.Join(dir, "db", "log.db")},
	} {
		b, err := OpenBackend(ctx, st, log)
		if err != nil {
			t.Fatalf("OpenBackend(%s) failed: %v", st.Backend, err)
		}
		if b.Name() != st.Backend {
			t.Errorf("Name() = %q, want %q", b.Name(), st.Backend)
		}
		store, err := logstore.New(logstore.Options{}, b, log)
		if err != nil {
			t.Fatal(err)
		}
		store.Close()
	}

	if _, err := OpenBackend(ctx, config.Storage{Backend: "tape"}, log); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestPrintStatus(t *testing.T) {
	var out bytes.Buffer
	PrintStatus(&out, &control.StatusResponse{
		Records:  3,
		Bytes:    3 * 1024 * 1024,
		Capacity: 0,
		Appends:  12345,
		Backend:  "sqlite",
		Version:  "v0.1.0",
	})
	for _, want := range []string{"capacity:  unbounded", "records:   3 (3.0 MiB)", "appends:   12,345"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
