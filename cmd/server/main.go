package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/docfetch/internal/api"
	"github.com/shehryarbajwa/docfetch/internal/browser"
	"github.com/shehryarbajwa/docfetch/internal/config"
	"github.com/shehryarbajwa/docfetch/internal/document"
	"github.com/shehryarbajwa/docfetch/internal/metrics"
	"github.com/shehryarbajwa/docfetch/internal/portal"
	"github.com/shehryarbajwa/docfetch/internal/proxy"
	"github.com/shehryarbajwa/docfetch/internal/ratelimit"
	"github.com/shehryarbajwa/docfetch/internal/session"
	"github.com/shehryarbajwa/docfetch/internal/statusmirror"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		envFile    string
		addr       string
	)

	cmd := &cobra.Command{
		Use:          "docfetch-server",
		Short:        "Serve browser-driven document retrieval sessions over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "path to a .env file (ignored when missing)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Println("Starting docfetch...")

	if err := os.MkdirAll(cfg.Download.Root, 0o755); err != nil {
		return fmt.Errorf("failed to create downloads root: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Download.Root, ".docfetch.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire downloads lock: %w", err)
	}
	if !locked {
		return errors.New("another docfetch server is already using " + cfg.Download.Root)
	}
	defer lock.Unlock()
	log.Printf("✓ Downloads root locked (%s)", cfg.Download.Root)

	provider, cleanup, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	observers := session.Observers{metrics.NewObserver()}
	if cfg.RedisAddr != "" {
		mirror, err := statusmirror.New(cfg.RedisAddr, cfg.StatusTTL)
		if err != nil {
			return err
		}
		defer mirror.Close()
		observers = append(observers, mirror)
		log.Printf("✓ Status mirror connected (%s)", cfg.RedisAddr)
	}

	detector := session.Detector{
		Prefix:        cfg.Download.Prefix,
		Extension:     cfg.Download.Extension,
		PartialSuffix: cfg.Download.PartialSuffix,
		Interval:      cfg.Download.PollInterval,
		Timeout:       cfg.Download.Timeout,
	}

	registry, err := session.NewRegistry(cfg.Download.Root, session.Options{
		EntryURL:         cfg.Portal.EntryURL,
		Selectors:        selectors(cfg.Portal.Selectors),
		OpenTimeout:      cfg.Portal.OpenTimeout,
		ChallengeTimeout: cfg.Portal.ChallengeTimeout,
		CodeTimeout:      cfg.Portal.CodeTimeout,
		Detector:         detector,
		Launcher: &portal.RodLauncher{
			Provider:        provider,
			NavigateTimeout: cfg.Portal.OpenTimeout,
		},
		Decrypter: document.PDF{},
		Observer:  observers,
		Slots:     semaphore.NewWeighted(cfg.MaxSessions),
	})
	if err != nil {
		return err
	}
	defer registry.CloseAll()
	log.Printf("✓ Session registry initialized (max %d live browsers)", cfg.MaxSessions)

	rateLimiter := ratelimit.NewLimiter(cfg.RequestsPerHour, cfg.RequestBurst)
	handler := api.NewHandler(registry, cfg.Download.PartialSuffix)
	router := handler.SetupRoutes(proxy.NewServer(registry), rateLimiter, cfg.RequestsPerHour)
	log.Println("✓ HTTP routes configured")

	// one step may span several bounded waits plus the download poll
	stepBudget := cfg.Portal.OpenTimeout + 2*cfg.Portal.CodeTimeout + cfg.Download.Timeout + 30*time.Second
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: stepBudget,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("🚀 Server starting on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-quit:
	}

	log.Println("⏳ Shutting down server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
	return nil
}

func newProvider(ctx context.Context, cfg *config.Config) (browser.Provider, func(), error) {
	if cfg.Browser.Mode != config.BrowserDocker {
		log.Println("✓ Browsers run as local processes")
		return &browser.Local{Bin: cfg.Browser.Bin, Headless: cfg.Browser.Headless}, func() {}, nil
	}

	pool, err := browser.NewPool(cfg.Browser.Image)
	if err != nil {
		return nil, nil, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	log.Println("⏳ Ensuring Chrome image is available...")
	if err := pool.EnsureImage(pullCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ensure image: %w", err)
	}
	log.Printf("✓ Browsers run in %s containers", cfg.Browser.Image)
	return pool, func() { pool.Close() }, nil
}

func selectors(s config.Selectors) session.Selectors {
	return session.Selectors{
		Identifier:     portal.Locator{CSS: s.Identifier},
		Challenge:      portal.Locator{CSS: s.Challenge},
		ChallengeImage: portal.Locator{CSS: s.ChallengeImage},
		RequestCode:    portal.Locator{CSS: s.RequestCode, Text: s.RequestText},
		Code:           portal.Locator{CSS: s.Code},
		Verify:         portal.Locator{CSS: s.Verify, Text: s.VerifyText},
	}
}
