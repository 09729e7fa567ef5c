// Command waveserver serves continuous seismic waveforms over the legacy
// text protocol: channel menus, raw and ASCII trace requests, and decimated
// helicorder data, backed by in-memory spans and an archive.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"waveserver/config"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "WAVESERVER_CONFIG"

	statusLogInterval = 5 * time.Minute
)

func main() {
	cfg, source, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	tty := isStdoutTTY()
	fanout, err := setupLogging(cfg.Logging, os.Stdout, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: file sink disabled: %v\n", err)
	}
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()

	log.Printf("waveserver %s starting (config %s)", Version, source)
	if tty {
		cfg.Print()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, fanout)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := n.Run(ctx); err != nil {
		n.Close()
		log.Fatalf("waveserver: %v", err)
	}
	n.Close()
	log.Printf("waveserver stopped")
}

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// loadConfig tries the WAVESERVER_CONFIG directory first, then data/config.
func loadConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

// runAdmin serves /metrics and /debug/pprof until ctx is done.
func runAdmin(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.HandlerFunc(httppprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(httppprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(httppprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(httppprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(httppprof.Trace))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("admin: listening on %s (/metrics, /debug/pprof)", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runGroup starts fns in an errgroup bound to ctx.
func runGroup(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
