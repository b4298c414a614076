package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/airelay/pkg/config"
	"github.com/lkarlslund/airelay/pkg/exchangedb"
	"github.com/lkarlslund/airelay/pkg/exchangelog"
	"github.com/lkarlslund/airelay/pkg/metrics"
	"github.com/lkarlslund/airelay/pkg/policy"
	"github.com/lkarlslund/airelay/pkg/proxy"
	"github.com/lkarlslund/airelay/pkg/upstream"
	"github.com/lkarlslund/airelay/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const storeStartupTimeout = 15 * time.Second

var serveListenAddrOverride string

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
}

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE:  runServe,
	}
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr = serveListenAddrOverride
	}

	client, err := upstream.New(upstream.Options{
		URL:       cfg.Upstream.URL,
		APIKey:    cfg.Upstream.APIKey,
		UserAgent: version.UserAgent(),
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	store := openExchangeStore(ctx, cfg, m)
	srv, err := proxy.NewServer(*cfg, proxy.Deps{
		Upstream:  client,
		Policy:    policy.New(cfg.Models.Allowed, cfg.Models.Default),
		Exchanges: exchangelog.New(store, m),
		Metrics:   m,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return fmt.Errorf("create server: %w", err)
	}
	log.Info("starting relay", "version", version.String(), "default_model", cfg.Models.Default, "stream_format", cfg.Stream.Format)
	return srv.Run(ctx)
}

// openExchangeStore connects, migrates and seeds the token counter. Any
// failure leaves the relay running without persistence.
func openExchangeStore(ctx context.Context, cfg *config.Config, m *metrics.Collector) exchangedb.Store {
	if cfg.Database.URL == "" {
		log.Warn("no database configured; exchanges will not be persisted")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeStartupTimeout)
	defer cancel()
	store, err := exchangedb.Open(ctx, cfg.Database.URL, exchangedb.Options{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		log.Warn("exchange store unavailable; continuing without persistence", "err", err)
		return nil
	}
	if err := store.Migrate(ctx); err != nil {
		log.Warn("exchange store migration failed; continuing without persistence", "err", err)
		_ = store.Close()
		return nil
	}
	total, err := store.TotalTokens(ctx)
	if err != nil {
		log.Warn("could not read persisted token total", "err", err)
	} else {
		m.SeedTokens(total)
	}
	log.Info("exchange store ready", "total_tokens", total)
	return store
}
