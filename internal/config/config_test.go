package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load("TESTPFX_UNUSED")
	if cfg.Transport.Kind != TransportSerial {
		t.Errorf("expected default transport kind serial, got %s", cfg.Transport.Kind)
	}
	if cfg.SoftLimits.X.Max != 300 {
		t.Errorf("expected default X max 300, got %v", cfg.SoftLimits.X.Max)
	}
	if cfg.SpeedLimits.MaxFeedRate != 3000 {
		t.Errorf("expected default max feed rate 3000, got %v", cfg.SpeedLimits.MaxFeedRate)
	}
}

func TestLoadPrefixOverridesShared(t *testing.T) {
	t.Setenv("BAUD_RATE", "9600")
	t.Setenv("GRBL_BAUD_RATE", "250000")
	cfg := Load("GRBL")
	if cfg.Transport.BaudRate != 250000 {
		t.Errorf("expected prefixed value to win, got %d", cfg.Transport.BaudRate)
	}
}

func TestLoadFallsBackToShared(t *testing.T) {
	t.Setenv("BAUD_RATE", "57600")
	cfg := Load("GRBL")
	if cfg.Transport.BaudRate != 57600 {
		t.Errorf("expected fallback to shared BAUD_RATE, got %d", cfg.Transport.BaudRate)
	}
}

func TestLoadEmptyPrefixReadsSharedOnly(t *testing.T) {
	t.Setenv("TRANSPORT_KIND", "tcp")
	cfg := Load("")
	if cfg.Transport.Kind != TransportTCP {
		t.Errorf("expected tcp, got %s", cfg.Transport.Kind)
	}
}
