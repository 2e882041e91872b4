package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Signal.Address != ":8081" {
		t.Errorf("Signal.Address = %v, want :8081", cfg.Signal.Address)
	}
	if cfg.Signal.RoomCapacity != 2 {
		t.Errorf("Signal.RoomCapacity = %v, want 2", cfg.Signal.RoomCapacity)
	}
	if !cfg.Peer.Trickle {
		t.Error("Peer.Trickle should default to true")
	}
	if cfg.Peer.ICERestartPolicy != "disabled" {
		t.Errorf("Peer.ICERestartPolicy = %v, want disabled", cfg.Peer.ICERestartPolicy)
	}
	if cfg.Peer.ICECompleteTimeout != 5*time.Second {
		t.Errorf("Peer.ICECompleteTimeout = %v, want 5s", cfg.Peer.ICECompleteTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Signal.Address != ":8081" {
		t.Errorf("Signal.Address = %v, want default :8081", cfg.Signal.Address)
	}
}

func TestLoad_YAMLOverrides(t *testing.T) {
	content := `
signal:
  address: ":9999"
peer:
  trickle: false
  ice_restart_policy: on-failure
  ice_recovery_timeout: 30s
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Signal.Address != ":9999" {
		t.Errorf("Signal.Address = %v, want :9999", cfg.Signal.Address)
	}
	if cfg.Peer.Trickle {
		t.Error("Peer.Trickle should be overridden to false")
	}
	if cfg.Peer.ICERestartPolicy != "on-failure" {
		t.Errorf("Peer.ICERestartPolicy = %v, want on-failure", cfg.Peer.ICERestartPolicy)
	}
	if cfg.Peer.ICERecoveryTimeout != 30*time.Second {
		t.Errorf("Peer.ICERecoveryTimeout = %v, want 30s", cfg.Peer.ICERecoveryTimeout)
	}
	// Untouched keys keep defaults
	if cfg.Signal.PingInterval != 30*time.Second {
		t.Errorf("Signal.PingInterval = %v, want default 30s", cfg.Signal.PingInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PEERWIRE_SIGNAL_ADDRESS", ":7777")
	t.Setenv("PEERWIRE_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Signal.Address != ":7777" {
		t.Errorf("Signal.Address = %v, want :7777", cfg.Signal.Address)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
}

func TestValidate_RejectsBadRestartPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Peer.ICERestartPolicy = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown restart policy")
	}
}

func TestValidate_RejectsInvertedPortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WebRTC.PortRange.Min = 5000
	cfg.WebRTC.PortRange.Max = 4000
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject min >= max port range")
	}
}

func TestValidate_RedisRequiresAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should require redis.address when enabled")
	}
}
