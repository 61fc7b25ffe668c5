package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/tunnelgate/internal/api"
	"github.com/sunbk201/tunnelgate/internal/beacon"
	"github.com/sunbk201/tunnelgate/internal/config"
	"github.com/sunbk201/tunnelgate/internal/consent"
	"github.com/sunbk201/tunnelgate/internal/engine"
	"github.com/sunbk201/tunnelgate/internal/log"
	"github.com/sunbk201/tunnelgate/internal/router"
	"github.com/sunbk201/tunnelgate/internal/server"
	"github.com/sunbk201/tunnelgate/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "tunnelgate",
	Short: "tunnelgate is a same-origin tunnelling gateway",
	Long:  "tunnelgate routes page traffic through a prefix engine or a scoped engine, falls back to the network, and delivers consented third-party scripts through the tunnel.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags shared by subcommands
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level")
	rootCmd.PersistentFlags().String("consent-backend", "", "Consent backend: FILE, SQLITE, MEMORY")
	rootCmd.PersistentFlags().String("consent-path", "", "Consent file or database path")
	rootCmd.PersistentFlags().String("cdp", "", "Chrome DevTools endpoint")

	// Short flags
	rootCmd.Flags().StringP("bind", "b", "", "Bind address")
	rootCmd.Flags().IntP("port", "p", 0, "Port")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().String("api", "", "Admin API listen address")
	rootCmd.Flags().String("api-secret", "", "Admin API secret")
	rootCmd.Flags().String("origin", "", "Public origin of the gateway")
	rootCmd.Flags().String("upstream", "", "Upstream site for unclaimed requests")
	rootCmd.Flags().String("prefix", "", "Prefix engine path")
	rootCmd.Flags().String("manifest", "", "Scoped engine bundle manifest")
	rootCmd.Flags().String("entry", "", "Scoped engine entry point")
	rootCmd.Flags().Bool("inject", false, "Attach to the browser and run the injection pipeline")

	// Bind all flags to viper using consistent key names
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("env-file", rootCmd.PersistentFlags().Lookup("env-file"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("consent.backend", rootCmd.PersistentFlags().Lookup("consent-backend"))
	_ = viper.BindPFlag("consent.path", rootCmd.PersistentFlags().Lookup("consent-path"))
	_ = viper.BindPFlag("browser.cdp-url", rootCmd.PersistentFlags().Lookup("cdp"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("api-address", rootCmd.Flags().Lookup("api"))
	_ = viper.BindPFlag("api-secret", rootCmd.Flags().Lookup("api-secret"))
	_ = viper.BindPFlag("origin", rootCmd.Flags().Lookup("origin"))
	_ = viper.BindPFlag("upstream", rootCmd.Flags().Lookup("upstream"))
	_ = viper.BindPFlag("engines.prefix.path", rootCmd.Flags().Lookup("prefix"))
	_ = viper.BindPFlag("engines.bundle.manifest", rootCmd.Flags().Lookup("manifest"))
	_ = viper.BindPFlag("engines.bundle.entry", rootCmd.Flags().Lookup("entry"))
	_ = viper.BindPFlag("inject", rootCmd.Flags().Lookup("inject"))

	// Bind environment variables
	viper.SetEnvPrefix("TUNNELGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(consentCmd)
}

func initConfig() {
	if envFile := viper.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to load env file", slog.String("file", envFile), slog.Any("error", err))
		}
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	viper.SetDefault("bind-address", "127.0.0.1")
	viper.SetDefault("port", 8080)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("engines.prefix.path", "/~/px/")
	viper.SetDefault("engines.bundle.entry", "TunnelWorker")
	viper.SetDefault("consent.backend", "FILE")
	viper.SetDefault("consent.path", "consent.yaml")
	viper.SetDefault("consent.poll-interval", "2s")
	viper.SetDefault("session.ttl", "12h")
	viper.SetDefault("session.size", 1024)
	viper.SetDefault("beacon.timeout", "4s")
}

func runRoot(cmd *cobra.Command, args []string) error {
	// Handle -v / --version
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("tunnelgate version %s\n", AppVersion)
		return nil
	}

	// Handle -g / --generate-config
	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		_, err := config.GenerateTemplateConfig(true)
		if err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	lb := log.NewBroadcaster()
	hub := log.SetLogConf(cfg.LogLevel, lb)
	log.LogHeader(AppVersion, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	addShutdown("cancel", func() error { cancel(); return nil })

	recorder := statistics.NewRecorder(log.GetLogDir())
	recorder.Start()
	addShutdown("recorder.Close", recorder.Close)

	store, err := openConsent(ctx, cfg)
	if err != nil {
		slog.Error("openConsent", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("store.Close", store.Close)

	transport := http.DefaultTransport
	prefix := engine.NewPrefixEngine(cfg.Engines.Prefix.Path, transport, slog.Default())
	resolver := engine.NewResolver(slog.Default(),
		engine.BundleProvider(cfg.Engines.Bundle.Manifest, cfg.Engines.Bundle.Entry, transport, slog.Default()),
		engine.LegacyProvider(cfg.Engines.Legacy.Pieces, cfg.Engines.Bundle.Entry, transport, slog.Default()),
	)
	scoped := resolver.Lazy()

	rt, err := router.New(router.Options{
		Prefix:    prefix,
		Scoped:    scoped,
		Origin:    cfg.Origin,
		Upstream:  cfg.Upstream,
		Transport: transport,
		Stats:     recorder.Routes,
		Logger:    slog.Default(),
	})
	if err != nil {
		slog.Error("router.New", slog.Any("error", err))
		shutdown()
		return err
	}

	var srv server.Server = server.New(cfg, rt, slog.Default())
	addShutdown("srv.Close", srv.Close)
	if err := srv.Start(); err != nil {
		slog.Error("srv.Start", slog.Any("error", err))
		shutdown()
		return err
	}

	gate := initBeacon(cfg)

	if cfg.APIAddress != "" {
		apiServer := api.New(api.Options{
			Addr:        cfg.APIAddress,
			Version:     AppVersion,
			Config:      cfg,
			Consent:     store,
			Stats:       recorder,
			Beacon:      gate,
			Broadcaster: lb,
			Hub:         hub,
		})
		addShutdown("apiServer.Close", apiServer.Close)
		if err := apiServer.Start(); err != nil {
			slog.Error("apiServer.Start", slog.Any("error", err))
			shutdown()
			return err
		}
	}

	if viper.GetBool("inject") {
		inj, err := startInjector(ctx, cfg, store, gate, scoped, recorder)
		if err != nil {
			slog.Warn("Injection disabled", slog.Any("error", err))
		} else {
			addShutdown("injector.Close", inj.Close)
		}
	}

	return waitSignal()
}

// openConsent opens the configured backend and bridges its cross-process
// changes until ctx is done.
func openConsent(ctx context.Context, cfg *config.Config) (*consent.Store, error) {
	backend, err := consent.OpenBackend(cfg.Consent, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("consent.OpenBackend: %w", err)
	}
	store := consent.NewStore(backend, consent.WithLogger(slog.Default()))
	go func() {
		if err := store.Bridge(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("consent bridge stopped", slog.Any("error", err))
		}
	}()
	return store, nil
}

func initBeacon(cfg *config.Config) *beacon.Gate {
	return beacon.InitDefault(
		beacon.WithTimeout(cfg.Beacon.Timeout),
		beacon.WithProber(&beacon.HTTPProber{BaseURL: apiBaseURL(cfg)}),
		beacon.WithLogger(slog.Default()),
	)
}

func apiBaseURL(cfg *config.Config) string {
	if cfg.APIAddress == "" {
		return ""
	}
	return "http://" + cfg.APIAddress
}

func waitSignal() error {
	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
		default:
			return nil
		}
	}
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	shutdownChain = nil
	slog.Info("tunnelgate exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
