package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/secure-legion/legion/config"
	"github.com/secure-legion/legion/core"
	"github.com/secure-legion/legion/health"
	"github.com/secure-legion/legion/internal/logger"
	"github.com/secure-legion/legion/internal/metrics"
	"github.com/secure-legion/legion/storage"
	"github.com/secure-legion/legion/storage/memory"
	"github.com/secure-legion/legion/storage/postgres"
	"github.com/secure-legion/legion/transport"
	"github.com/secure-legion/legion/uibridge"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the transport daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "legion.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cfg *config.Config) error {
	log := buildLogger(cfg.Logging.Level)
	logger.SetDefaultLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	dialer := transport.NewDialer(cfg.Tor.SocksHost, cfg.Tor.SocksPort)
	listener := transport.NewListener(cfg.Tor.ListenerBind, log)

	c := core.New(identity, optionsFromConfig(cfg), core.Deps{
		Store:    store,
		Dial:     dialer.Dial,
		Listener: listener,
		Logger:   log,
	})
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	defer c.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg, store, listener, log)
	}

	var bridge *uibridge.Server
	if cfg.Bridge.Enabled {
		bridge = uibridge.NewServer(c, log)
		go func() {
			if err := bridge.Start(cfg.Bridge.Addr); err != nil {
				log.Error("ui bridge failed", logger.Error(err))
			}
		}()
	}

	log.Info("legiond running",
		logger.String("onion", cfg.Identity.OnionAddress),
		logger.String("listener", cfg.Tor.ListenerBind),
		logger.String("storage", cfg.Storage.Type),
	)

	<-ctx.Done()
	log.Info("shutting down")

	if bridge != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = bridge.Stop(shutdownCtx)
		cancel()
	}
	return nil
}

func serveMetrics(cfg *config.Config, store storage.Store, listener *transport.Listener, log logger.Logger) {
	checker := health.NewChecker(5 * time.Second)
	checker.Register("store", store.Ping)
	checker.Register("socks", func(ctx context.Context) error {
		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp",
			net.JoinHostPort(cfg.Tor.SocksHost, fmt.Sprintf("%d", cfg.Tor.SocksPort)))
		if err != nil {
			return err
		}
		return conn.Close()
	})
	checker.Register("listener", func(ctx context.Context) error {
		if listener.Addr() == "" {
			return fmt.Errorf("listener not bound")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.Handler())
	if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
		log.Error("metrics server failed", logger.Error(err))
	}
}

func buildLogger(level string) *logger.StructuredLogger {
	log := logger.NewDefaultLogger()
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(logger.DebugLevel)
	case "warn":
		log.SetLevel(logger.WarnLevel)
	case "error":
		log.SetLevel(logger.ErrorLevel)
	}
	return log
}

func loadIdentity(cfg *config.Config) (core.Identity, error) {
	signingSeed, err := readKeyFile(cfg.Identity.SigningKeyFile, ed25519.SeedSize)
	if err != nil {
		return core.Identity{}, fmt.Errorf("signing key: %w", err)
	}
	x25519Priv, err := readKeyFile(cfg.Identity.X25519KeyFile, 32)
	if err != nil {
		return core.Identity{}, fmt.Errorf("x25519 key: %w", err)
	}

	signingKey := ed25519.NewKeyFromSeed(signingSeed)
	return core.Identity{
		SigningKey:   signingKey,
		SigningPub:   signingKey.Public().(ed25519.PublicKey),
		X25519Priv:   x25519Priv,
		OnionAddress: cfg.Identity.OnionAddress,
	}, nil
}

func readKeyFile(path string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", path, size, len(key))
	}
	return key, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.NewStore(ctx, &postgres.Config{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			Database: cfg.Storage.Postgres.Database,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		})
	default:
		return memory.NewStore(), nil
	}
}

func optionsFromConfig(cfg *config.Config) core.Options {
	opts := core.DefaultOptions()
	p := cfg.Protocol
	opts.ReplayWindow = p.ReplayWindow()
	opts.SkipWindowSize = p.SkipWindowSize
	opts.SkipKeyTTL = p.SkipKeyTTL()
	opts.SendMaxAttempts = p.SendMaxAttempts
	opts.SendBackoffBase = time.Duration(p.SendBackoffBaseMs) * time.Millisecond
	opts.SendBackoffCap = time.Duration(p.SendBackoffCapMs) * time.Millisecond
	opts.JitterFraction = p.JitterFraction
	opts.PongDeadline = time.Duration(p.PongDeadlineMs) * time.Millisecond
	opts.MsgAckDeadline = time.Duration(p.MsgAckDeadlineMs) * time.Millisecond
	opts.ConnectionReuseMaxAge = time.Duration(p.ConnectionReuseMaxAgeMs) * time.Millisecond
	opts.DeviceProtection = p.DeviceProtectionEnabled
	return opts
}
