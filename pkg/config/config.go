// Package config loads transport tuning from a TOML file. Every knob
// defaults to the values derived from packet captures; a config file only
// needs the lines it wants to change.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
	"github.com/pelletier/go-toml/v2"

	"github.com/alitft/alitft/pkg/lifecycle"
	"github.com/alitft/alitft/pkg/transport"
)

// DefaultPath is the config location relative to the user's config home.
const DefaultPath = "alitft/config.toml"

// Duration is a time.Duration that unmarshals from strings like "55s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// File mirrors the TOML schema.
type File struct {
	Lifecycle struct {
		AnimationMinimum      Duration `toml:"animation_minimum"`
		MismatchWindow        int      `toml:"mismatch_window"`
		MismatchRateThreshold float64  `toml:"mismatch_rate_threshold"`
		ConnectingStreak      int      `toml:"connecting_streak"`
		ConnectedSilence      Duration `toml:"connected_silence"`
		DisconnectedReset     Duration `toml:"disconnected_reset"`
	} `toml:"lifecycle"`

	Timeouts struct {
		Command    Duration `toml:"command"`
		Status     Duration `toml:"status"`
		DataBase   Duration `toml:"data_base"`
		DataPerKiB Duration `toml:"data_per_kib"`
	} `toml:"timeouts"`

	KeepAlive struct {
		Enabled  *bool    `toml:"enabled"`
		Interval Duration `toml:"interval"`
		Idle     Duration `toml:"idle"`
	} `toml:"keepalive"`

	AutoReconnect *bool `toml:"auto_reconnect"`

	Pacing map[string]Pacing `toml:"pacing"`
}

// Pacing overrides one phase's policy row. Absent fields keep the default.
type Pacing struct {
	PreDelay          Duration `toml:"pre_delay"`
	PostDelay         Duration `toml:"post_delay"`
	MaxRetries        *int     `toml:"max_retries"`
	Backoff           Duration `toml:"backoff"`
	ClearHaltOnStall  *bool    `toml:"clear_halt_on_stall"`
	ResetOnStall      *bool    `toml:"reset_on_repeated_stall"`
	AcceptScsiFailure *bool    `toml:"accept_scsi_failure"`
}

var phaseNames = map[string]lifecycle.Phase{
	"unknown":      lifecycle.Unknown,
	"animation":    lifecycle.Animation,
	"connecting":   lifecycle.Connecting,
	"connected":    lifecycle.Connected,
	"disconnected": lifecycle.Disconnected,
}

// Load reads the file at path, or the per-user default location when path
// is empty. A missing file yields the defaults.
func Load(path string) (transport.Config, error) {
	cfg := transport.DefaultConfig()

	if path == "" {
		found, err := xdg.SearchConfigFile(DefaultPath)
		if err != nil {
			glog.V(1).Infof("No config file, using defaults")
			return cfg, nil
		}
		path = found
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	var f File
	if err := toml.Unmarshal(raw, &f); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	glog.V(1).Infof("Loaded config from %s", path)
	return apply(cfg, &f)
}

func apply(cfg transport.Config, f *File) (transport.Config, error) {
	lc := &cfg.Lifecycle
	lc.AnimationMinimum = f.Lifecycle.AnimationMinimum.or(lc.AnimationMinimum)
	if f.Lifecycle.MismatchWindow > 0 {
		lc.MismatchWindow = f.Lifecycle.MismatchWindow
	}
	if f.Lifecycle.MismatchRateThreshold > 0 {
		lc.MismatchRateThreshold = f.Lifecycle.MismatchRateThreshold
	}
	if f.Lifecycle.ConnectingStreak > 0 {
		lc.ConnectingStreak = f.Lifecycle.ConnectingStreak
	}
	lc.ConnectedSilence = f.Lifecycle.ConnectedSilence.or(lc.ConnectedSilence)
	lc.DisconnectedReset = f.Lifecycle.DisconnectedReset.or(lc.DisconnectedReset)

	cfg.CommandTimeout = f.Timeouts.Command.or(cfg.CommandTimeout)
	cfg.StatusTimeout = f.Timeouts.Status.or(cfg.StatusTimeout)
	cfg.DataTimeoutBase = f.Timeouts.DataBase.or(cfg.DataTimeoutBase)
	cfg.DataTimeoutPerKiB = f.Timeouts.DataPerKiB.or(cfg.DataTimeoutPerKiB)

	if f.KeepAlive.Enabled != nil {
		cfg.KeepAlive = *f.KeepAlive.Enabled
	}
	cfg.KeepAliveInterval = f.KeepAlive.Interval.or(cfg.KeepAliveInterval)
	cfg.KeepAliveIdle = f.KeepAlive.Idle.or(cfg.KeepAliveIdle)
	if f.AutoReconnect != nil {
		cfg.AutoReconnect = *f.AutoReconnect
	}

	for name, pacing := range f.Pacing {
		ph, ok := phaseNames[name]
		if !ok {
			return cfg, fmt.Errorf("unknown phase %q in pacing table", name)
		}
		p := cfg.Policies.For(ph)
		p.PreDelay = pacing.PreDelay.or(p.PreDelay)
		p.PostDelay = pacing.PostDelay.or(p.PostDelay)
		p.BackoffBase = pacing.Backoff.or(p.BackoffBase)
		if pacing.MaxRetries != nil {
			p.MaxRetries = *pacing.MaxRetries
		}
		if pacing.ClearHaltOnStall != nil {
			p.ClearHaltOnStall = *pacing.ClearHaltOnStall
		}
		if pacing.ResetOnStall != nil {
			p.ResetOnRepeatedStall = *pacing.ResetOnStall
		}
		if pacing.AcceptScsiFailure != nil {
			p.AcceptScsiFailure = *pacing.AcceptScsiFailure
		}
		cfg.Policies[ph] = p
	}
	return cfg, nil
}
