package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Network.DiscoveryTarget() != "255.255.255.255:55333" {
		t.Errorf("Unexpected discovery target %s", cfg.Network.DiscoveryTarget())
	}
}

func TestTimingConstants(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected time.Duration
	}{
		{"DefaultBroadcastInterval", DefaultBroadcastInterval, 2 * time.Second},
		{"DefaultDialTimeout", DefaultDialTimeout, 5 * time.Second},
		{"DefaultHandshakeTimeout", DefaultHandshakeTimeout, 5 * time.Second},
		{"DefaultReconnectCheckInterval", DefaultReconnectCheckInterval, 1 * time.Second},
		{"DefaultWriteTimeout", DefaultWriteTimeout, 30 * time.Second},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.duration != test.expected {
				t.Errorf("Expected %v, got %v", test.expected, test.duration)
			}
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "renderfarm.yaml")
	yaml := `
node:
  name: farm-a
network:
  control_port: 6000
  broadcast_interval: 500ms
coordinator:
  local_render: true
  write_timeout: 10s
  job:
    frame_start: 10
    frame_end: 20
    format: JPEG
backend:
  kind: command
  command: "render {scene} {frame}"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RENDERFARM_NETWORK_DISCOVERY_PORT", "7000")
	t.Setenv("RENDERFARM_WORKER_DIAL_TIMEOUT", "3s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.Name != "farm-a" {
		t.Errorf("Expected name farm-a, got %s", cfg.Node.Name)
	}
	if cfg.Network.ControlPort != 6000 {
		t.Errorf("Expected control port 6000, got %d", cfg.Network.ControlPort)
	}
	if cfg.Network.DiscoveryPort != 7000 {
		t.Errorf("Expected env discovery port 7000, got %d", cfg.Network.DiscoveryPort)
	}
	if cfg.Network.BroadcastInterval != 500*time.Millisecond {
		t.Errorf("Expected 500ms interval, got %v", cfg.Network.BroadcastInterval)
	}
	if cfg.Worker.DialTimeout != 3*time.Second {
		t.Errorf("Expected 3s dial timeout, got %v", cfg.Worker.DialTimeout)
	}
	if cfg.Worker.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("Expected default handshake timeout, got %v", cfg.Worker.HandshakeTimeout)
	}
	if !cfg.Coordinator.LocalRender || cfg.Coordinator.Job.FrameEnd != 20 || cfg.Coordinator.Job.Format != "JPEG" {
		t.Errorf("Unexpected coordinator config: %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.WriteTimeout != 10*time.Second {
		t.Errorf("Expected 10s write timeout, got %v", cfg.Coordinator.WriteTimeout)
	}
	if cfg.Coordinator.Job.ResX != 1920 {
		t.Errorf("Expected default res_x 1920, got %d", cfg.Coordinator.Job.ResX)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Network.ControlPort = 70000 }, "ControlPort"},
		{"zero interval", func(c *Config) { c.Network.BroadcastInterval = 0 }, "BroadcastInterval"},
		{"bad broadcast addr", func(c *Config) { c.Network.BroadcastAddr = "nowhere" }, "BroadcastAddr"},
		{"bad coordinator addr", func(c *Config) { c.Worker.CoordinatorAddr = "no-port" }, "CoordinatorAddr"},
		{"unknown backend", func(c *Config) { c.Backend.Kind = "povray" }, "Kind"},
		{"inverted range", func(c *Config) { c.Coordinator.Job.FrameEnd = 0 }, "FrameEnd"},
		{"zero failure budget", func(c *Config) { c.Coordinator.MaxFrameFailures = 0 }, "MaxFrameFailures"},
		{"negative write timeout", func(c *Config) { c.Coordinator.WriteTimeout = -time.Second }, "WriteTimeout"},
		{"command without template", func(c *Config) { c.Backend.Kind = "command" }, ErrCommandRequired},
		{"autostart without scene", func(c *Config) { c.Coordinator.Autostart = true }, ErrAutostartScene},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestJobDefaults_Spec(t *testing.T) {
	j := JobDefaults{ScenePath: "/scenes/shot.blend", FrameStart: 1, FrameEnd: 5, FrameStep: 2, Format: "PNG"}
	spec := j.Spec()
	if spec.SceneName != "shot.blend" {
		t.Errorf("Expected scene name shot.blend, got %s", spec.SceneName)
	}
	if got := spec.Frames(); len(got) != 3 {
		t.Errorf("Expected 3 frames, got %v", got)
	}
}

func TestNodeID_Persisted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.TempDir = t.TempDir()

	first, err := cfg.NodeID()
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if first == "" {
		t.Fatal("Expected non-empty identity")
	}
	second, err := cfg.NodeID()
	if err != nil {
		t.Fatalf("NodeID failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected stable identity, got %s then %s", first, second)
	}

	cfg.Node.ID = "fixed"
	if id, _ := cfg.NodeID(); id != "fixed" {
		t.Errorf("Expected configured id, got %s", id)
	}
}
