// Package config loads coordinator and worker settings from an optional YAML
// file and RENDERFARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/AltairaLabs/renderfarm/internal/protocol"
	"github.com/AltairaLabs/renderfarm/internal/types"
)

// EnvPrefix prefixes every environment override, e.g. RENDERFARM_NETWORK_CONTROL_PORT
const EnvPrefix = "RENDERFARM"

// Config is the complete node configuration
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Network     NetworkConfig     `mapstructure:"network"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Control     ControlConfig     `mapstructure:"control"`
}

// NodeConfig identifies this process
type NodeConfig struct {
	// ID overrides the persisted identity when set
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name" validate:"required"`
	TempDir string `mapstructure:"temp_dir" validate:"required"`
}

// NetworkConfig holds ports and wire limits
type NetworkConfig struct {
	DiscoveryPort     int           `mapstructure:"discovery_port" validate:"min=1,max=65535"`
	ControlPort       int           `mapstructure:"control_port" validate:"min=1,max=65535"`
	BroadcastAddr     string        `mapstructure:"broadcast_addr" validate:"required,ip4_addr"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval" validate:"gt=0"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes" validate:"gt=0"`
	MaxPayloadBytes   int64         `mapstructure:"max_payload_bytes" validate:"gt=0"`
}

// WorkerConfig holds worker connection settings
type WorkerConfig struct {
	// CoordinatorAddr is a static host:port that wins over discovery
	CoordinatorAddr        string        `mapstructure:"coordinator_addr" validate:"omitempty,hostname_port"`
	DialTimeout            time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	HandshakeTimeout       time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
	ReconnectCheckInterval time.Duration `mapstructure:"reconnect_check_interval" validate:"gt=0"`
}

// CoordinatorConfig holds job and output settings
type CoordinatorConfig struct {
	OutputDir        string      `mapstructure:"output_dir" validate:"required"`
	OutputPerJob     bool        `mapstructure:"output_per_job"`
	LocalRender      bool        `mapstructure:"local_render"`
	MaxFrameFailures int         `mapstructure:"max_frame_failures" validate:"min=1"`
	Autostart        bool        `mapstructure:"autostart"`
	Job              JobDefaults `mapstructure:"job"`
	// WriteTimeout bounds each send to a worker; a worker that stops reading
	// is disconnected once it expires. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// JobDefaults describe the job started by autostart and used to fill
// omitted fields of control requests
type JobDefaults struct {
	ScenePath  string `mapstructure:"scene_path"`
	FrameStart int    `mapstructure:"frame_start" validate:"gte=0"`
	FrameEnd   int    `mapstructure:"frame_end" validate:"gtefield=FrameStart"`
	FrameStep  int    `mapstructure:"frame_step" validate:"gte=0"`
	ResX       int    `mapstructure:"res_x" validate:"gte=0"`
	ResY       int    `mapstructure:"res_y" validate:"gte=0"`
	Format     string `mapstructure:"format" validate:"required"`
	Engine     string `mapstructure:"engine"`
}

// Spec converts the defaults into a job spec
func (j JobDefaults) Spec() types.JobSpec {
	return types.JobSpec{
		FrameStart: j.FrameStart,
		FrameEnd:   j.FrameEnd,
		FrameStep:  j.FrameStep,
		ResX:       j.ResX,
		ResY:       j.ResY,
		Format:     j.Format,
		Engine:     j.Engine,
		SceneName:  filepath.Base(j.ScenePath),
	}
}

// BackendConfig selects and configures the render program
type BackendConfig struct {
	Kind          string        `mapstructure:"kind" validate:"oneof=blender command"`
	BlenderPath   string        `mapstructure:"blender_path"`
	Command       string        `mapstructure:"command"`
	RenderTimeout time.Duration `mapstructure:"render_timeout" validate:"gte=0"`
}

// ControlConfig holds the admin surfaces' listen addresses
type ControlConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	// HTTPAddr enables the MCP SSE transport when set; stdio otherwise
	HTTPAddr string `mapstructure:"http_addr"`
}

// Limits returns the wire limits for protocol connections
func (n NetworkConfig) Limits() protocol.Limits {
	return protocol.Limits{MaxHeaderBytes: n.MaxHeaderBytes, MaxPayloadBytes: n.MaxPayloadBytes}
}

// DiscoveryTarget returns the broadcast destination host:port
func (n NetworkConfig) DiscoveryTarget() string {
	return fmt.Sprintf("%s:%d", n.BroadcastAddr, n.DiscoveryPort)
}

// DefaultConfig returns the built-in defaults without reading the environment
func DefaultConfig() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "renderfarm-node"
	}
	return &Config{
		Node: NodeConfig{
			Name:    name,
			TempDir: filepath.Join(os.TempDir(), "renderfarm"),
		},
		Network: NetworkConfig{
			DiscoveryPort:     DefaultDiscoveryPort,
			ControlPort:       DefaultControlPort,
			BroadcastAddr:     DefaultBroadcastAddr,
			BroadcastInterval: DefaultBroadcastInterval,
			MaxHeaderBytes:    protocol.DefaultMaxHeaderBytes,
			MaxPayloadBytes:   protocol.DefaultMaxPayloadBytes,
		},
		Worker: WorkerConfig{
			DialTimeout:            DefaultDialTimeout,
			HandshakeTimeout:       DefaultHandshakeTimeout,
			ReconnectCheckInterval: DefaultReconnectCheckInterval,
		},
		Coordinator: CoordinatorConfig{
			OutputDir:        "renders",
			OutputPerJob:     true,
			MaxFrameFailures: DefaultMaxFrameFailures,
			WriteTimeout:     DefaultWriteTimeout,
			Job: JobDefaults{
				FrameStart: 1,
				FrameEnd:   1,
				FrameStep:  1,
				ResX:       1920,
				ResY:       1080,
				Format:     "PNG",
			},
		},
		Backend: BackendConfig{
			Kind:        "blender",
			BlenderPath: "blender",
		},
		Control: ControlConfig{
			GRPCAddr: DefaultGRPCAddr,
		},
	}
}

// Load reads path (optional, "" to skip) and environment overrides on top of
// the defaults, then validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node.id", d.Node.ID)
	v.SetDefault("node.name", d.Node.Name)
	v.SetDefault("node.temp_dir", d.Node.TempDir)

	v.SetDefault("network.discovery_port", d.Network.DiscoveryPort)
	v.SetDefault("network.control_port", d.Network.ControlPort)
	v.SetDefault("network.broadcast_addr", d.Network.BroadcastAddr)
	v.SetDefault("network.broadcast_interval", d.Network.BroadcastInterval)
	v.SetDefault("network.max_header_bytes", d.Network.MaxHeaderBytes)
	v.SetDefault("network.max_payload_bytes", d.Network.MaxPayloadBytes)

	v.SetDefault("worker.coordinator_addr", d.Worker.CoordinatorAddr)
	v.SetDefault("worker.dial_timeout", d.Worker.DialTimeout)
	v.SetDefault("worker.handshake_timeout", d.Worker.HandshakeTimeout)
	v.SetDefault("worker.reconnect_check_interval", d.Worker.ReconnectCheckInterval)

	v.SetDefault("coordinator.output_dir", d.Coordinator.OutputDir)
	v.SetDefault("coordinator.output_per_job", d.Coordinator.OutputPerJob)
	v.SetDefault("coordinator.local_render", d.Coordinator.LocalRender)
	v.SetDefault("coordinator.max_frame_failures", d.Coordinator.MaxFrameFailures)
	v.SetDefault("coordinator.autostart", d.Coordinator.Autostart)
	v.SetDefault("coordinator.write_timeout", d.Coordinator.WriteTimeout)
	v.SetDefault("coordinator.job.scene_path", d.Coordinator.Job.ScenePath)
	v.SetDefault("coordinator.job.frame_start", d.Coordinator.Job.FrameStart)
	v.SetDefault("coordinator.job.frame_end", d.Coordinator.Job.FrameEnd)
	v.SetDefault("coordinator.job.frame_step", d.Coordinator.Job.FrameStep)
	v.SetDefault("coordinator.job.res_x", d.Coordinator.Job.ResX)
	v.SetDefault("coordinator.job.res_y", d.Coordinator.Job.ResY)
	v.SetDefault("coordinator.job.format", d.Coordinator.Job.Format)
	v.SetDefault("coordinator.job.engine", d.Coordinator.Job.Engine)

	v.SetDefault("backend.kind", d.Backend.Kind)
	v.SetDefault("backend.blender_path", d.Backend.BlenderPath)
	v.SetDefault("backend.command", d.Backend.Command)
	v.SetDefault("backend.render_timeout", d.Backend.RenderTimeout)

	v.SetDefault("control.grpc_addr", d.Control.GRPCAddr)
	v.SetDefault("control.http_addr", d.Control.HTTPAddr)
}

// Validate checks struct constraints and the cross-field rules tags cannot express
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Backend.Kind == "command" && strings.TrimSpace(cfg.Backend.Command) == "" {
		return errors.New(ErrCommandRequired)
	}
	if cfg.Coordinator.Autostart && cfg.Coordinator.Job.ScenePath == "" {
		return errors.New(ErrAutostartScene)
	}
	return nil
}
