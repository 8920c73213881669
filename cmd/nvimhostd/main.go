// Command nvimhostd is the session broker's CLI entrypoint: it wires the
// session store, the VFS backend registry, the rate limiter, and the
// connection handler together and serves them over a loopback socket.
//
// The cobra root+serve shape, signal.NotifyContext graceful shutdown, and
// startup banner are grounded on the donor's cmd/wt/main.go and
// cmd/wt/serve.go; the banner text itself is adapted from
// original_source's host/src/main.rs print_banner/print_connection_info.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaitoreed/nvimhost/internal/config"
	"github.com/kaitoreed/nvimhost/internal/logger"
	"github.com/kaitoreed/nvimhost/internal/ratelimit"
	"github.com/kaitoreed/nvimhost/internal/session"
	"github.com/kaitoreed/nvimhost/internal/supervisor"
	"github.com/kaitoreed/nvimhost/internal/vfs"
	"github.com/kaitoreed/nvimhost/internal/vfsaudit"
	"github.com/kaitoreed/nvimhost/internal/wsconn"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "nvimhostd",
		Short:   "nvimhostd — multi-tenant Neovim-in-the-browser session broker",
		Version: version,
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	var bindFlag string
	var idleTimeoutFlag time.Duration
	var logFilePath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if bindFlag != "" {
				cfg.BindAddr = bindFlag
			}
			if idleTimeoutFlag > 0 {
				cfg.IdleTimeout = idleTimeoutFlag
			}

			if err := logger.Init(logLevel, logFilePath); err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			log := logger.Log

			printBanner()

			registerVFS, closeVFS, err := buildVFS(cfg)
			if err != nil {
				return fmt.Errorf("configure vfs: %w", err)
			}
			defer closeVFS()

			spawn := func(ctx context.Context) (*supervisor.Supervisor, error) {
				return supervisor.Spawn(ctx, cfg.EditorCommand, cfg.EditorArgs)
			}
			store := session.NewStoreWithDefaults(spawn, cfg.IdleTimeout, cfg.Settings, log)
			defer store.Close()

			handler := &wsconn.Handler{
				Store:       store,
				Origins:     wsconn.NewOriginAllowlist(cfg.ExtraOrigins...),
				RateLimits:  ratelimit.NewRegistry(cfg.RateLimitBurst, cfg.RateLimitRefillPerSec, 2*cfg.IdleTimeout),
				RegisterVFS: registerVFS,
				Log:         log,
			}

			httpSrv := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: handler,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				printConnectionInfo(cfg.BindAddr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&bindFlag, "addr", "", "override the configured bind address")
	cmd.Flags().DurationVar(&idleTimeoutFlag, "idle-timeout", 0, "override the configured idle session timeout")
	cmd.Flags().StringVar(&logFilePath, "log-file", "", "also append logs to this file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	return cmd
}

// buildVFS constructs the backends every freshly created session's VFS
// registry gets wired with: local (sandboxed filesystem), http, and git
// (the http backend registered a second time — see DESIGN.md's
// "git VFS backend" open-question resolution, since both reduce to a read-only fetch
// over net/http and no go-git-style dependency exists in the retrieval
// pack).
func buildVFS(cfg *config.Config) (register func(*vfs.Registry), closeFn func(), err error) {
	local, err := vfs.NewLocalBackend(cfg.LocalRoot)
	if err != nil {
		return nil, nil, err
	}
	httpBackend := vfs.NewHTTPBackend([]byte(os.Getenv("NVIMHOSTD_HTTP_SIGN_KEY")))

	auditPath := os.Getenv("NVIMHOSTD_AUDIT_DB")
	if auditPath == "" {
		auditPath = filepath.Join(cfg.LocalRoot, ".nvimhostd-audit.db")
	}
	audit, err := vfsaudit.Open(auditPath)
	if err != nil {
		local.Close()
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	register = func(r *vfs.Registry) {
		r.Register("local", local)
		r.Register("http", httpBackend)
		r.Register("git", httpBackend)
		r.SetAudit(audit)
	}
	closeFn = func() {
		local.Close()
		audit.Close()
	}
	return register, closeFn, nil
}

func printBanner() {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  \x1b[1;36m _ ____   _(_)_ __ ___ | |__   ___  ___| |_ __| | \x1b[0m")
	fmt.Fprintln(os.Stderr, "  \x1b[1;36m| '_ \\ \\ / / | '_ ` _ \\| '_ \\ / _ \\/ __| __/ _` | \x1b[0m")
	fmt.Fprintln(os.Stderr, "  \x1b[1;36m| | | \\ V /| | | | | | | | | | (_) \\__ \\ || (_| | \x1b[0m")
	fmt.Fprintln(os.Stderr, "  \x1b[1;36m|_| |_|\\_/ |_|_| |_| |_|_| |_|\\___/|___/\\__\\__,_| \x1b[0m")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "  \x1b[2mNeovim session broker  v%s\x1b[0m\n", version)
	fmt.Fprintln(os.Stderr)
}

func printConnectionInfo(addr string) {
	fmt.Fprintln(os.Stderr, "  \x1b[1;32m[ready]\x1b[0m WebSocket server listening")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "  \x1b[1mServer:\x1b[0m   \x1b[2mws://%s\x1b[0m\n", addr)
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  \x1b[2mPress Ctrl+C to stop\x1b[0m")
	fmt.Fprintln(os.Stderr)
}
