// Package config loads and validates process configuration, grounded on the
// teacher's server/main.go flag-based bootstrap (addr, db path, limits all
// as top-level flag.* bindings with sane defaults).
package config

import (
	"flag"
	"fmt"
	"time"
)

// Config is the process-wide configuration for the gateway core.
type Config struct {
	// ListenAddr is the address the (out-of-scope) control surface would
	// bind its REST+WS listener to. Kept here because the CLI bootstrap in
	// cmd/voicegateway wires it, even though the HTTP surface itself is out
	// of the core's scope per spec.md §1.
	ListenAddr string

	// MaxGuilds is the configured cap on concurrently active guild players
	// (0 = unlimited). It is printed by config-check; the registry does not
	// enforce it.
	MaxGuilds int

	// OpusBitrate is the Opus encoder target bitrate, in bits/sec, and
	// OpusFEC the in-band forward error correction switch. Both are
	// validated and printed by config-check; encoders are built by the
	// caller of registry.Connect, and nothing passes these values to them.
	OpusBitrate int
	OpusFEC     bool

	// MixerMaxTracks is the default per-guild concurrent-track cap (N in
	// spec.md §4.6).
	MixerMaxTracks int

	// StuckThreshold is the default stuck-track detection window.
	StuckThreshold time.Duration
	// UpdateInterval is the PlayerUpdate emission cadence.
	UpdateInterval time.Duration

	// ReconnectMaxAttempts is validated and printed by config-check. It is
	// not passed to gateway sessions, which use their own
	// MaxReconnectAttempts (5 by default).
	ReconnectMaxAttempts int

	// DAVEEnabled is validated, printed by config-check and logged at
	// startup. It is not passed to the registry or the DAVE handler, which
	// engage DAVE whenever channel_id != 0.
	DAVEEnabled bool

	// CertValidity is how long the local-development self-signed TLS
	// certificate minted at startup remains valid.
	CertValidity time.Duration

	Debug bool
}

// Default returns the configuration's documented defaults.
func Default() Config {
	return Config{
		ListenAddr:           ":2333",
		MaxGuilds:            0, // 0 = unlimited
		OpusBitrate:          64000,
		OpusFEC:              true,
		MixerMaxTracks:       1,
		StuckThreshold:       10 * time.Second,
		UpdateInterval:       5 * time.Second,
		ReconnectMaxAttempts: 5,
		DAVEEnabled:          true,
		CertValidity:         24 * time.Hour,
	}
}

// Validate checks the configuration for internally-inconsistent values.
func (c Config) Validate() error {
	if c.OpusBitrate < 6000 || c.OpusBitrate > 510000 {
		return fmt.Errorf("opus bitrate %d out of range [6000, 510000]", c.OpusBitrate)
	}
	if c.MixerMaxTracks < 1 {
		return fmt.Errorf("mixer max tracks must be >= 1, got %d", c.MixerMaxTracks)
	}
	if c.StuckThreshold <= 0 {
		return fmt.Errorf("stuck threshold must be positive")
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update interval must be positive")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must be >= 0")
	}
	if c.CertValidity <= 0 {
		return fmt.Errorf("cert validity must be positive")
	}
	return nil
}

// RegisterFlags binds the configuration's fields to the given FlagSet,
// seeded with Default() values. Call Validate() after fs.Parse().
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	*c = Default()
	fs.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "control-surface listen address")
	fs.IntVar(&c.MaxGuilds, "max-guilds", c.MaxGuilds, "maximum concurrent guild players (0 = unlimited)")
	fs.IntVar(&c.OpusBitrate, "opus-bitrate", c.OpusBitrate, "initial Opus encoder bitrate (bits/sec)")
	fs.BoolVar(&c.OpusFEC, "opus-fec", c.OpusFEC, "enable Opus in-band FEC")
	fs.IntVar(&c.MixerMaxTracks, "mixer-max-tracks", c.MixerMaxTracks, "max concurrent tracks mixed per guild")
	fs.DurationVar(&c.StuckThreshold, "stuck-threshold", c.StuckThreshold, "stuck-track detection window")
	fs.DurationVar(&c.UpdateInterval, "update-interval", c.UpdateInterval, "PlayerUpdate emission interval")
	fs.IntVar(&c.ReconnectMaxAttempts, "reconnect-max-attempts", c.ReconnectMaxAttempts, "voice gateway reconnect attempt cap")
	fs.BoolVar(&c.DAVEEnabled, "dave-enabled", c.DAVEEnabled, "enable DAVE end-to-end encryption when a channel requests it")
	fs.DurationVar(&c.CertValidity, "cert-validity", c.CertValidity, "self-signed TLS certificate validity")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
}
