package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sunbk201/tunnelgate/internal/config"
	"github.com/sunbk201/tunnelgate/internal/consent"
	"github.com/sunbk201/tunnelgate/internal/log"
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Read or record the ad consent decision",
}

var consentGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current consent record",
	Args:  cobra.NoArgs,
	RunE:  runConsentGet,
}

var consentSetCmd = &cobra.Command{
	Use:       "set granted|denied",
	Short:     "Record a consent decision",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"granted", "denied"},
	RunE:      runConsentSet,
}

func init() {
	consentCmd.AddCommand(consentGetCmd)
	consentCmd.AddCommand(consentSetCmd)
}

func withConsentStore(fn func(ctx context.Context, store *consent.Store) error) error {
	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log.SetLogConf(cfg.LogLevel, nil)

	backend, err := consent.OpenBackend(cfg.Consent, slog.Default())
	if err != nil {
		return err
	}
	store := consent.NewStore(backend)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, store)
}

func printRecord(cmd *cobra.Command, r consent.Record, prompt bool) {
	decided := "-"
	if r.DecidedAt != nil {
		decided = r.DecidedAt.Local().Format(time.RFC3339)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "status: %s\ndecided-at: %s\nshould-prompt: %t\n", r.Status, decided, prompt)
}

func runConsentGet(cmd *cobra.Command, args []string) error {
	return withConsentStore(func(ctx context.Context, store *consent.Store) error {
		r := store.Get(ctx)
		printRecord(cmd, r, consent.ShouldPrompt(r, time.Now()))
		return nil
	})
}

func runConsentSet(cmd *cobra.Command, args []string) error {
	status, err := consent.ParseStatus(args[0])
	if err != nil {
		return err
	}
	return withConsentStore(func(ctx context.Context, store *consent.Store) error {
		r, err := store.Set(ctx, status)
		if err != nil {
			return err
		}
		printRecord(cmd, r, false)
		return nil
	})
}
