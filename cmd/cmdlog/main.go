package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehrlich-b/cmdlog/internal/cli"
	"github.com/ehrlich-b/cmdlog/internal/config"
	"github.com/ehrlich-b/cmdlog/internal/control"
	"github.com/ehrlich-b/cmdlog/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "cmdlog",
		Short:   "Bounded command log served over TCP",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serveCmd(),
		sendCmd(),
		statusCmd(),
		clearCmd(),
		logsCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the command log server",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "TCP address to listen on (default :9000)")
	cmd.Flags().String("http", "", "Address for the HTTP/WebSocket API (default: off)")
	cmd.Flags().String("socket", "", "Control socket path")
	cmd.Flags().Int("capacity", -1, "Commands to keep; 0 keeps everything in the storage backend")
	cmd.Flags().String("backend", "", "Storage backend: none, file, sqlite, postgres, s3")
	cmd.Flags().String("path", "", "Data file or database path for the storage backend")
	cmd.Flags().String("config-dir", "", "Directory to load .cmdlog.yaml from (default: current directory)")
	cmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	if configDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		configDir = wd
	}

	cfg, _, err := config.Load(configDir)
	if err != nil {
		return err
	}

	// Env overrides the file, flags override both
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("http"); v != "" {
		cfg.HTTPListen = v
	}
	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.ControlSocket = v
	}
	if v, _ := cmd.Flags().GetInt("capacity"); v >= 0 {
		cfg.Capacity = v
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Storage.Backend = v
	}
	if v, _ := cmd.Flags().GetString("path"); v != "" {
		cfg.Storage.Path = v
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cli.Serve(ctx, cli.ServeOptions{
		Config:  cfg,
		Verbose: verbose,
		Version: version.Version,
	})
}

func sendCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send [command...]",
		Short: "Append a command and print the log",
		Long: `Send a command to a cmdlog server and print the log it echoes back.

With no arguments the command is read from stdin.

Examples:
  cmdlog send make test
  printf 'one\ntwo\n' | cmdlog send --addr 10.0.0.5:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := cli.SendPayload(args, os.Stdin)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return cli.Send(ctx, cli.SendOptions{Addr: addr, Timeout: timeout}, payload, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:9000", "Server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long")
	return cmd
}

func statusCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Status(socket, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", control.DefaultSocketPath(), "Control socket path")
	return cmd
}

func clearCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every command from a running server's log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Clear(socket, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", control.DefaultSocketPath(), "Control socket path")
	return cmd
}

func logsCmd() *cobra.Command {
	var opts cli.LogsOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the log from the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Logs(cmd.Context(), opts, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&opts.ServerURL, "server", "http://localhost:8080", "HTTP API base URL")
	cmd.Flags().Int64Var(&opts.Offset, "offset", -1, "First byte to print (default: whole log)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum bytes to print with --offset")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			cfg, configFile, err := config.Load(dir)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.Getenv); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if configFile == "" {
				fmt.Println("No config file found, using defaults")
			} else {
				fmt.Printf("Valid: %s\n", configFile)
			}
			fmt.Printf("  listen:   %s (%s)\n", cfg.Listen, cfg.Network)
			if cfg.HTTPListen != "" {
				fmt.Printf("  http:     %s\n", cfg.HTTPListen)
			}
			if cfg.Capacity > 0 {
				fmt.Printf("  capacity: %d\n", cfg.Capacity)
			} else {
				fmt.Println("  capacity: unbounded")
			}
			if cfg.Persistent() {
				fmt.Printf("  storage:  %s\n", cfg.Storage.Backend)
			} else {
				fmt.Println("  storage:  memory only")
			}
			fmt.Printf("  shutdown: %s\n", cfg.ShutdownTimeout.Duration())
			return nil
		},
	}
}
