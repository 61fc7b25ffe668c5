package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/tunnelgate/internal/beacon"
	"github.com/sunbk201/tunnelgate/internal/config"
	"github.com/sunbk201/tunnelgate/internal/consent"
	"github.com/sunbk201/tunnelgate/internal/engine"
	"github.com/sunbk201/tunnelgate/internal/inject"
	"github.com/sunbk201/tunnelgate/internal/log"
	"github.com/sunbk201/tunnelgate/internal/page"
	"github.com/sunbk201/tunnelgate/internal/session"
	"github.com/sunbk201/tunnelgate/internal/statistics"
	"github.com/sunbk201/tunnelgate/internal/tunnel"
)

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Attach to a browser tab and deliver consented scripts through a running gateway",
	RunE:  runInject,
}

func init() {
	injectCmd.Flags().String("tab", "", "Only attach to a tab whose URL contains this")
	injectCmd.Flags().String("gateway", "", "Gateway base URL scripts are tunnelled through")
	injectCmd.Flags().String("engine-prefix", "", "Tunnel prefix; resolved from the scoped engine when empty")

	_ = viper.BindPFlag("browser.tab-filter", injectCmd.Flags().Lookup("tab"))
	_ = viper.BindPFlag("tunnel.base-url", injectCmd.Flags().Lookup("gateway"))
	_ = viper.BindPFlag("tunnel.prefix", injectCmd.Flags().Lookup("engine-prefix"))
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log.SetLogConf(cfg.LogLevel, nil)
	log.LogHeader(AppVersion, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	addShutdown("cancel", func() error { cancel(); return nil })

	store, err := openConsent(ctx, cfg)
	if err != nil {
		shutdown()
		return err
	}
	addShutdown("store.Close", store.Close)

	var prefixEngine engine.Engine
	if p := viper.GetString("tunnel.prefix"); p != "" {
		prefixEngine = staticPrefix(p)
	} else {
		prefixEngine = engine.NewResolver(slog.Default(),
			engine.BundleProvider(cfg.Engines.Bundle.Manifest, cfg.Engines.Bundle.Entry, http.DefaultTransport, slog.Default()),
			engine.LegacyProvider(cfg.Engines.Legacy.Pieces, cfg.Engines.Bundle.Entry, http.DefaultTransport, slog.Default()),
		).Lazy()
	}

	inj, err := startInjector(ctx, cfg, store, initBeacon(cfg), prefixEngine, nil)
	if err != nil {
		shutdown()
		return err
	}
	addShutdown("injector.Close", inj.Close)
	return waitSignal()
}

// staticPrefix serves only as a prefix source for the tunnel loader.
type staticPrefix string

func (p staticPrefix) Name() string                     { return "static" }
func (p staticPrefix) Prefix() string                   { return engine.NormalizePrefix(string(p)) }
func (p staticPrefix) LoadConfig(context.Context) error { return nil }
func (p staticPrefix) Owns(*http.Request) bool          { return false }
func (p staticPrefix) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "not an engine", http.StatusNotFound)
}

type injector struct {
	tab    *page.Tab
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (i *injector) Close() error {
	i.cancel()
	i.wg.Wait()
	return i.tab.Close()
}

// startInjector attaches to the configured tab and runs every task now and
// after each consent or feature change.
func startInjector(ctx context.Context, cfg *config.Config, store *consent.Store, gate *beacon.Gate, scoped engine.Engine, recorder *statistics.Recorder) (*injector, error) {
	if cfg.Browser.CDPURL == "" {
		return nil, fmt.Errorf("browser.cdp-url is not set")
	}
	tab, err := page.Attach(ctx, cfg.Browser.CDPURL, cfg.Browser.TabFilter, slog.Default())
	if err != nil {
		return nil, err
	}

	loader := tunnel.NewLoader(tunnelBaseURL(cfg), tunnel.EnginePrefix(scoped), http.DefaultTransport, slog.Default())

	var toggles inject.Toggles = inject.StaticToggles(cfg.Features)
	if viper.ConfigFileUsed() != "" {
		vt := inject.NewViperToggles(viper.GetViper())
		vt.WatchConfig()
		toggles = vt
	}

	var stats *statistics.TaskRecordList
	if recorder != nil {
		stats = recorder.Tasks
	}
	pipeline := inject.New(inject.Options{
		Consent: store,
		Toggles: toggles,
		Session: session.New(cfg.Session.Size, cfg.Session.TTL),
		Beacon:  gate,
		Tunnel:  loader,
		Page:    tab,
		Stats:   stats,
		Logger:  slog.Default().With("component", "inject"),
	})

	tasks := inject.TasksFromConfig(cfg.Tasks)
	for i := range tasks {
		tasks[i].BeaconURL = absoluteBeacon(tasks[i].BeaconURL, apiBaseURL(cfg))
	}

	runCtx, cancel := context.WithCancel(ctx)
	inj := &injector{tab: tab, cancel: cancel}
	inj.wg.Add(1)
	go func() {
		defer inj.wg.Done()
		_ = pipeline.Watch(runCtx, tasks)
	}()
	slog.Info("Injection pipeline started", slog.Int("tasks", len(tasks)), slog.String("tab", tab.URL))
	return inj, nil
}

// tunnelBaseURL picks the address tunnelled scripts are fetched from. The
// public origin wins over the listen address so the page sees them as
// same-origin.
func tunnelBaseURL(cfg *config.Config) string {
	switch {
	case cfg.Tunnel.BaseURL != "":
		return cfg.Tunnel.BaseURL
	case cfg.Origin != "":
		return cfg.Origin
	default:
		return "http://" + cfg.ListenAddr
	}
}

// absoluteBeacon points root-relative beacon paths at the admin API, which
// serves the ping endpoint; the page's own origin does not.
func absoluteBeacon(beaconURL, apiBase string) string {
	if apiBase == "" || !strings.HasPrefix(beaconURL, "/") || strings.HasPrefix(beaconURL, "//") {
		return beaconURL
	}
	return apiBase + beaconURL
}
