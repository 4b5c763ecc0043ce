// Command voicegateway runs the voice audio gateway core: the per-guild
// voice-gateway session and 20 ms production pipeline. The control surface
// that decides which guilds to connect and hands over tracks to play is
// out of this core's scope (spec.md §1); this binary wires the pieces the
// core owns and exposes the registry for an embedding control surface to
// drive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicegateway/internal/cli"
	"voicegateway/internal/config"
	"voicegateway/internal/events"
	"voicegateway/internal/logging"
	"voicegateway/internal/metrics"
	"voicegateway/internal/registry"
	"voicegateway/internal/tlsutil"
)

func main() {
	if len(os.Args) > 1 && cli.Run(os.Args[1:]) {
		return
	}

	var cfg config.Config
	fs := flag.NewFlagSet("voicegateway", flag.ContinueOnError)
	config.RegisterFlags(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Debug: cfg.Debug})
	slog.SetDefault(logger)

	// Mint a self-signed cert for local development even though this core
	// never terminates TLS itself. Only its fingerprint is logged; the
	// tls.Config is discarded and not handed to anything else.
	_, fingerprint, err := tlsutil.GenerateSelfSigned(cfg.CertValidity, "")
	if err != nil {
		logger.Error("failed to generate self-signed TLS certificate", "error", err)
		os.Exit(1)
	}
	logger.Info("generated self-signed TLS certificate", "fingerprint", fingerprint, "valid_for", cfg.CertValidity)

	sink := events.NewSink(logger)
	global := &metrics.Global{}

	reg := registry.New(sink, logger, registry.Config{
		MaxTracks:        cfg.MixerMaxTracks,
		StuckThresholdMs: cfg.StuckThreshold.Milliseconds(),
		UpdateInterval:   cfg.UpdateInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go logLifecycleEvents(ctx, sink, global, logger)
	go logPeriodicStats(ctx, reg, global, logger)

	logger.Info("voicegateway core started", "listen_addr", cfg.ListenAddr, "dave_enabled", cfg.DAVEEnabled)
	<-ctx.Done()

	for _, id := range reg.Guilds() {
		reg.Remove(id)
	}
	logger.Info("voicegateway core stopped")
}

func logLifecycleEvents(ctx context.Context, sink *events.Sink, global *metrics.Global, logger *slog.Logger) {
	ch := sink.Subscribe(256)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			switch ev.Type {
			case events.TypeWebSocketClosed:
				global.Reconnects.Add(1)
			case events.TypeTrackStart:
				global.TracksStarted.Add(1)
			case events.TypeTrackException:
				global.TracksFailed.Add(1)
			}
			logger.Debug("event", "type", ev.Type, "guild_id", ev.GuildID)
		}
	}
}

func logPeriodicStats(ctx context.Context, reg *registry.Registry, global *metrics.Global, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := global.Snapshot()
			logger.Info("stats",
				"guilds", reg.Count(),
				"reconnects", snap.Reconnects,
				"tracks_started", snap.TracksStarted,
				"tracks_failed", snap.TracksFailed,
			)
		}
	}
}
