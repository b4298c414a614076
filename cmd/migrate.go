package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lkarlslund/airelay/pkg/exchangedb"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the exchange log schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("no database configured (set database.url or DATABASE_URL)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			store, err := exchangedb.Open(ctx, cfg.Database.URL, exchangedb.Options{MaxConns: cfg.Database.MaxConns})
			if err != nil {
				return fmt.Errorf("open exchange store: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate exchange store: %w", err)
			}
			total, err := store.TotalTokens(ctx)
			if err != nil {
				return fmt.Errorf("read token total: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exchange store ready (total_tokens=%d)\n", total)
			return nil
		},
	})
}
