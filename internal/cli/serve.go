// Package cli implements the cmdlog commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ehrlich-b/cmdlog/internal/config"
	"github.com/ehrlich-b/cmdlog/internal/control"
	"github.com/ehrlich-b/cmdlog/internal/device"
	"github.com/ehrlich-b/cmdlog/internal/logstore"
	"github.com/ehrlich-b/cmdlog/internal/server"
	"golang.org/x/sync/errgroup"
)

// ServeOptions configures the serve command.
type ServeOptions struct {
	Config  *config.Config
	Verbose bool
	Version string

	// Stderr receives the server log. Default: os.Stderr.
	Stderr io.Writer

	// Ready is called once every listener is up.
	Ready func(Listeners)
}

// Listeners holds the bound addresses of a running server.
type Listeners struct {
	TCP           net.Addr
	HTTP          net.Addr // nil when the HTTP API is off
	ControlSocket string
}

// Serve runs the TCP service, the optional HTTP API and the control socket
// until ctx is cancelled, then shuts them down and closes the log.
func Serve(ctx context.Context, opts ServeOptions) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	log, closeLog, err := NewLogger(stderr, cfg.LogFile, opts.Verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	backend, err := OpenBackend(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	store, err := logstore.New(logstore.Options{Capacity: cfg.Capacity}, backend, log)
	if err != nil {
		if backend != nil {
			backend.Close()
		}
		return fmt.Errorf("initialize log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close log", "error", err)
		}
	}()

	srvCfg := server.Config{
		Network:       cfg.Network,
		Addr:          cfg.Listen,
		Terminator:    cfg.TerminatorByte(),
		ChunkSize:     cfg.ChunkSize,
		MaxRecordSize: cfg.MaxRecordSize,
	}

	tcp := server.NewServer(srvCfg, store, log)
	if err := tcp.Start(); err != nil {
		return err
	}

	socketPath := cfg.ControlSocket
	if socketPath == "" {
		socketPath = control.DefaultSocketPath()
	}
	ctl := control.NewServer(socketPath, store, tcp, opts.Version, log)
	if err := ctl.Start(); err != nil {
		shutdownTCP(tcp, cfg.ShutdownTimeout.Duration(), log)
		return err
	}
	defer ctl.Stop()

	var httpSrv *http.Server
	if cfg.HTTPListen != "" {
		handler := server.NewHTTPHandler(srvCfg, store, log)
		handler.SetDevice(device.New(store, log, srvCfg.AssemblerOptions()...))
		httpSrv = &http.Server{
			Addr:              cfg.HTTPListen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	ready := Listeners{TCP: tcp.Addr(), ControlSocket: socketPath}
	g, gctx := errgroup.WithContext(ctx)
	if httpSrv != nil {
		ln, err := net.Listen("tcp", httpSrv.Addr)
		if err != nil {
			shutdownTCP(tcp, cfg.ShutdownTimeout.Duration(), log)
			return fmt.Errorf("listen on %s: %w", httpSrv.Addr, err)
		}
		log.Info("http api listening", "addr", ln.Addr().String())
		ready.HTTP = ln.Addr()
		g.Go(func() error {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	if opts.Ready != nil {
		opts.Ready(ready)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		timeout := cfg.ShutdownTimeout.Duration()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil {
				log.Warn("http shutdown error", "error", err)
			}
		}
		shutdownTCP(tcp, timeout, log)
		return nil
	})

	return g.Wait()
}

func shutdownTCP(tcp *server.Server, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tcp.Shutdown(ctx); err != nil {
		log.Warn("sessions still open at shutdown timeout", "error", err)
	}
}

// NewLogger builds the server logger: text to w, plus logFile when set.
// The returned func closes the log file.
func NewLogger(w io.Writer, logFile string, verbose bool) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	closeFn := func() error { return nil }
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeFn = f.Close
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeFn, nil
}

// OpenBackend opens the journal selected by st. It returns nil for the
// "none" backend.
func OpenBackend(ctx context.Context, st config.Storage, log *slog.Logger) (logstore.Backend, error) {
	var (
		backend logstore.Backend
		err     error
	)
	switch st.Backend {
	case "", config.BackendNone:
		return nil, nil
	case config.BackendFile:
		path := st.Path
		if path == "" {
			path = logstore.DefaultDataFile
		}
		var fb *logstore.FileBackend
		if fb, err = logstore.NewFileBackend(path, st.RemoveOnClose, log); err == nil {
			log.Info("journaling to file", "path", fb.Path())
			backend = fb
		}
	case config.BackendSQLite:
		dsn := st.DSN
		if dsn == "" {
			dsn = st.Path
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		log.Info("journaling to sqlite", "dsn", dsn)
		var sb *logstore.SQLiteBackend
		if sb, err = logstore.NewSQLiteBackend(dsn); err == nil {
			backend = sb
		}
	case config.BackendPostgres:
		log.Info("journaling to postgres")
		var pb *logstore.PostgresBackend
		if pb, err = logstore.NewPostgresBackend(st.DSN); err == nil {
			backend = pb
		}
	case config.BackendS3:
		log.Info("journaling to object storage", "bucket", st.Bucket, "endpoint", st.Endpoint)
		var ob *logstore.ObjectBackend
		ob, err = logstore.NewObjectBackend(ctx, logstore.ObjectConfig{
			Bucket:          st.Bucket,
			Prefix:          st.Prefix,
			Endpoint:        st.Endpoint,
			Region:          st.Region,
			AccessKeyID:     st.AccessKeyID,
			SecretAccessKey: st.SecretAccessKey,
		}, log)
		if err == nil {
			backend = ob
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
	}
	if err != nil {
		return nil, err
	}
	return backend, nil
}
