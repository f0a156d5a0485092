// Package config loads host configuration from the environment, following
// the same prefixed-key-with-shared-fallback pattern used throughout the
// reference corpus for per-tier credentials: a caller picks a prefix (e.g.
// "GRBL"), and each key first tries {prefix}_{KEY} before falling back to a
// bare, unprefixed default.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cncforge/grblhost/internal/types"
)

// TransportKind selects which physical transport TransportConfig describes.
type TransportKind string

const (
	TransportSerial    TransportKind = "serial"
	TransportTCP       TransportKind = "tcp"
	TransportBluetooth TransportKind = "bluetooth"
)

// TransportConfig describes how to reach the controller board.
type TransportConfig struct {
	Kind        TransportKind
	Path        string // serial device path, or host:port for tcp/bluetooth
	BaudRate    int
	ReadTimeout time.Duration
}

// HostConfig is the full set of environment-derived settings for one host
// process.
type HostConfig struct {
	Transport   TransportConfig
	SoftLimits  types.SoftLimits
	SpeedLimits types.SpeedLimits
	StateDir    string // directory for job-state autosave / crash-recovery files
}

// get resolves {prefix}_{suffix}, falling back to the bare suffix when the
// prefix is empty or the prefixed variable is unset.
func get(prefix, suffix, def string) string {
	if prefix != "" {
		if v := os.Getenv(prefix + "_" + suffix); v != "" {
			return v
		}
	}
	if v := os.Getenv(suffix); v != "" {
		return v
	}
	return def
}

func getFloat(prefix, suffix string, def float64) float64 {
	v := get(prefix, suffix, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getInt(prefix, suffix string, def int) int {
	v := get(prefix, suffix, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Load builds a HostConfig from the environment for the given prefix (e.g.
// "GRBL"). An empty prefix reads only the bare variable names.
//
// Recognized variables (all optional, with sane defaults):
//
//	{PREFIX}_TRANSPORT_KIND   serial | tcp | bluetooth   (default "serial")
//	{PREFIX}_TRANSPORT_PATH   device path or host:port    (default "/dev/ttyUSB0")
//	{PREFIX}_BAUD_RATE        integer                     (default 115200)
//	{PREFIX}_SOFT_LIMIT_X_MAX, _Y_MAX, _Z_MAX             (defaults 300,300,100)
//	{PREFIX}_MAX_FEED_RATE, _MAX_JOG_RATE, _MAX_ACCEL      (defaults 3000,5000,500)
//	{PREFIX}_STATE_DIR                                    (default "./state")
func Load(prefix string) HostConfig {
	limits := types.DefaultSoftLimits()
	limits.X.Max = getFloat(prefix, "SOFT_LIMIT_X_MAX", limits.X.Max)
	limits.Y.Max = getFloat(prefix, "SOFT_LIMIT_Y_MAX", limits.Y.Max)
	limits.Z.Max = getFloat(prefix, "SOFT_LIMIT_Z_MAX", limits.Z.Max)

	speed := types.DefaultSpeedLimits()
	speed.MaxFeedRate = getFloat(prefix, "MAX_FEED_RATE", speed.MaxFeedRate)
	speed.MaxJogRate = getFloat(prefix, "MAX_JOG_RATE", speed.MaxJogRate)
	speed.MaxAcceleration = getFloat(prefix, "MAX_ACCEL", speed.MaxAcceleration)

	return HostConfig{
		Transport: TransportConfig{
			Kind:        TransportKind(get(prefix, "TRANSPORT_KIND", string(TransportSerial))),
			Path:        get(prefix, "TRANSPORT_PATH", "/dev/ttyUSB0"),
			BaudRate:    getInt(prefix, "BAUD_RATE", 115200),
			ReadTimeout: time.Duration(getInt(prefix, "READ_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
		SoftLimits:  limits,
		SpeedLimits: speed,
		StateDir:    get(prefix, "STATE_DIR", "./state"),
	}
}
