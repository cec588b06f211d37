// Package main implements recoveryd, the daemon side of the recovery
// engine: it owns the encrypted store, answers pairing consume
// requests over the relay, reaps expired bridge tokens, and ships
// periodic backups.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keyhaven/recovery-engine/bridge"
	"github.com/keyhaven/recovery-engine/config"
	"github.com/keyhaven/recovery-engine/entropy"
	"github.com/keyhaven/recovery-engine/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/keyhaven/recoveryd.yaml", "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Bool("dev_mode", *devMode).
		Msg("recoveryd starting")

	if err := hardenProcess(*devMode); err != nil {
		log.Fatal().Err(err).Msg("Process hardening failed")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if !*devMode {
		go watchHardening(ctx)
	}

	if err := run(ctx, cfg, *devMode); err != nil {
		log.Fatal().Err(err).Msg("recoveryd error")
	}

	log.Info().Msg("recoveryd shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, devMode bool) error {
	dek, err := loadDEK(cfg.Store.DEKFile, devMode)
	if err != nil {
		return fmt.Errorf("loading DEK: %w", err)
	}

	store, err := storage.NewStore(cfg.Store.Path, dek)
	if err != nil {
		return err
	}
	defer store.Close()

	source := buildEntropySource(ctx, cfg.Entropy)

	mgr := bridge.NewManager(store.TokenStore(), source,
		bridge.WithTTL(time.Duration(cfg.Bridge.TTLSeconds)*time.Second))

	go mgr.RunReaper(ctx, time.Duration(cfg.Bridge.ReapIntervalSeconds)*time.Second)

	if cfg.Backup.Enabled {
		backup, err := storage.NewS3Backup(ctx, cfg.Backup.Region, cfg.Backup.Bucket, cfg.Backup.KeyPrefix)
		if err != nil {
			return fmt.Errorf("initializing S3 backup: %w", err)
		}
		go runBackupLoop(ctx, store, backup, time.Duration(cfg.Backup.IntervalMinutes)*time.Minute)
	}

	if cfg.Relay.URL != "" {
		relay, err := bridge.NewRelay(cfg.Relay)
		if err != nil {
			return fmt.Errorf("connecting to relay: %w", err)
		}
		defer relay.Close()

		log.Info().Str("url", cfg.Relay.URL).Msg("Serving pairing consume requests")
		return relay.ServeConsume(ctx, mgr)
	}

	log.Warn().Msg("No relay configured, pairing consume unavailable")
	<-ctx.Done()
	return nil
}

// loadDEK reads the 32-byte storage key. In dev mode a missing key
// file falls back to an ephemeral random key, so the store does not
// survive restarts.
func loadDEK(path string, devMode bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if devMode && os.IsNotExist(err) {
			log.Warn().Msg("No DEK file, using ephemeral key (dev mode)")
			src := entropy.NewSource(nil)
			return src.Get(context.Background(), storage.DEKSize)
		}
		return nil, err
	}
	if len(data) != storage.DEKSize {
		return nil, fmt.Errorf("DEK file must hold exactly %d bytes, has %d", storage.DEKSize, len(data))
	}
	return data, nil
}

// buildEntropySource assembles the provider chain in configured
// priority order: NSM first when present, then KMS, then beacons. The
// local CSPRNG always backs the chain.
func buildEntropySource(ctx context.Context, cfg config.EntropyConfig) *entropy.Source {
	var providers []entropy.Provider

	if cfg.NSM && entropy.NSMAvailable() {
		p, err := entropy.NewNSMProvider()
		if err != nil {
			log.Warn().Err(err).Msg("NSM provider unavailable")
		} else {
			providers = append(providers, p)
		}
	}
	if cfg.KMS {
		p, err := entropy.NewKMSProvider(ctx, cfg.KMSRegion)
		if err != nil {
			log.Warn().Err(err).Msg("KMS provider unavailable")
		} else {
			providers = append(providers, p)
		}
	}
	for i, url := range cfg.BeaconURLs {
		providers = append(providers, entropy.NewHTTPProvider(fmt.Sprintf("beacon-%d", i), url, nil))
	}

	var opts []entropy.Option
	if cfg.ProviderTimeoutMS > 0 {
		opts = append(opts, entropy.WithProviderTimeout(time.Duration(cfg.ProviderTimeoutMS)*time.Millisecond))
	}

	log.Info().Int("providers", len(providers)).Msg("Entropy source configured")
	return entropy.NewSource(providers, opts...)
}

func runBackupLoop(ctx context.Context, store *storage.Store, backup *storage.S3Backup, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := store.CreateBackup()
			if err != nil {
				log.Error().Err(err).Msg("Backup snapshot failed")
				continue
			}
			if _, err := backup.Upload(ctx, snap); err != nil {
				log.Error().Err(err).Msg("Backup upload failed")
			}
		}
	}
}
