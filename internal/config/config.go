package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for both the dashboard and the simulator.
type Config struct {
	mu sync.RWMutex

	// Gateway connection
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway" json:"gateway"`

	// Decoding schema
	Lexicon LexiconConfig `mapstructure:"lexicon" yaml:"lexicon" json:"lexicon"`

	// Derived quantities
	Calc CalcConfig `mapstructure:"calc" yaml:"calc" json:"calc"`

	// Snapshot batching
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// Consumers
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard" json:"dashboard"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis" json:"redis"`

	// Frame capture (replay logs)
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture" json:"capture"`

	// Logging and metrics
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Simulator
	Sim SimConfig `mapstructure:"sim" yaml:"sim" json:"sim"`

	path string // file path for save/load
}

type GatewayConfig struct {
	Addr       string        `mapstructure:"addr" yaml:"addr" json:"addr"` // host:port, tcp://host:port or serial:///dev/rfcomm0?baud=9600
	Channel    string        `mapstructure:"channel" yaml:"channel" json:"channel"`
	AckTimeout time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout" json:"ackTimeout"`
	FrameIDs   []uint32      `mapstructure:"frame_ids" yaml:"frame_ids" json:"frameIds"` // explicit subscriptions
	Messages   []string      `mapstructure:"messages" yaml:"messages" json:"messages"`   // subscribe by message name
	Signals    []string      `mapstructure:"signals" yaml:"signals" json:"signals"`      // or by signal name
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries" json:"maxRetries"`
	Trace      bool          `mapstructure:"trace" yaml:"trace" json:"trace"` // log raw bit patterns

	// SubscribeAcks is set when the gateway answers each subscribe with ok.
	SubscribeAcks bool `mapstructure:"subscribe_acks" yaml:"subscribe_acks" json:"subscribeAcks"`
}

type LexiconConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// CalcConfig holds the engine constants. Zero values fall back to calc defaults.
type CalcConfig struct {
	HistoryCapacity        int               `mapstructure:"history_capacity" yaml:"history_capacity" json:"historyCapacity"`
	EngineDisplacement     float64           `mapstructure:"engine_displacement" yaml:"engine_displacement" json:"engineDisplacement"`       // liters
	VolumetricEfficiency   float64           `mapstructure:"volumetric_efficiency" yaml:"volumetric_efficiency" json:"volumetricEfficiency"` // 0-1
	FuelDensity            float64           `mapstructure:"fuel_density" yaml:"fuel_density" json:"fuelDensity"`                            // g/ml
	AirDensity             float64           `mapstructure:"air_density" yaml:"air_density" json:"airDensity"`                               // g/l
	GearTable              []float64         `mapstructure:"gear_table" yaml:"gear_table" json:"gearTable"`                                  // cm/rev, index 0 = neutral
	GearTolerance          float64           `mapstructure:"gear_tolerance" yaml:"gear_tolerance" json:"gearTolerance"`
	FuelConsumptionModulus float64           `mapstructure:"fuel_consumption_modulus" yaml:"fuel_consumption_modulus" json:"fuelConsumptionModulus"`
	Aliases                map[string]string `mapstructure:"aliases" yaml:"aliases" json:"aliases"`          // signal name -> quantity name
	Quantities             []string          `mapstructure:"quantities" yaml:"quantities" json:"quantities"` // pull these per update, empty = full snapshot
}

type PipelineConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" json:"flushInterval"`
	MaxBatch      int           `mapstructure:"max_batch" yaml:"max_batch" json:"maxBatch"`
}

type DashboardConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" json:"listenAddr"`
	Layout     string `mapstructure:"layout" yaml:"layout" json:"layout"`
	SpeedUnit  string `mapstructure:"speed_unit" yaml:"speed_unit" json:"speedUnit"` // "kph" or "mph"
	RPMWarn    int    `mapstructure:"rpm_warn" yaml:"rpm_warn" json:"rpmWarn"`
	RPMDanger  int    `mapstructure:"rpm_danger" yaml:"rpm_danger" json:"rpmDanger"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel" json:"channel"`
}

type CaptureConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
	MaxRows int    `mapstructure:"max_rows" yaml:"max_rows" json:"maxRows"`
}

// LumberjackConfig configures log file rotation. An empty filename disables the file sink.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename" yaml:"filename" json:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`
}

type LoggingConfig struct {
	Level  string           `mapstructure:"level" yaml:"level" json:"level"`
	Format string           `mapstructure:"format" yaml:"format" json:"format"` // "json" or "console"
	File   LumberjackConfig `mapstructure:"file" yaml:"file" json:"file"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable" json:"enable"`
	Path   string `mapstructure:"path" yaml:"path" json:"path"`
}

type SimConfig struct {
	ListenAddr string        `mapstructure:"listen_addr" yaml:"listen_addr" json:"listenAddr"`
	Mode       string        `mapstructure:"mode" yaml:"mode" json:"mode"` // "synthetic" or "replay"
	Tick       time.Duration `mapstructure:"tick" yaml:"tick" json:"tick"`
	Replay     ReplayConfig  `mapstructure:"replay" yaml:"replay" json:"replay"`
}

type ReplayConfig struct {
	Path      string  `mapstructure:"path" yaml:"path" json:"path"`
	Rate      float64 `mapstructure:"rate" yaml:"rate" json:"rate"`
	Loop      bool    `mapstructure:"loop" yaml:"loop" json:"loop"`
	ChunkSize int     `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize"`
}

// EnvPrefix is prepended to every environment override, e.g. CANDASH_GATEWAY_ADDR.
const EnvPrefix = "CANDASH"

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.addr", "localhost:29536")
	v.SetDefault("gateway.channel", "can0")
	v.SetDefault("gateway.ack_timeout", "2s")
	v.SetDefault("gateway.max_retries", 10)
	v.SetDefault("gateway.subscribe_acks", false)
	v.SetDefault("gateway.trace", false)

	v.SetDefault("lexicon.path", "./can/ford_ka.json")

	v.SetDefault("calc.history_capacity", 10000)
	v.SetDefault("calc.engine_displacement", 1.0)
	v.SetDefault("calc.volumetric_efficiency", 0.75)
	v.SetDefault("calc.fuel_density", 0.737)
	v.SetDefault("calc.air_density", 1.184)
	v.SetDefault("calc.gear_table", []float64{0, 10, 18, 28.5, 40, 50})
	v.SetDefault("calc.gear_tolerance", 1.05)
	v.SetDefault("calc.fuel_consumption_modulus", 25575)

	v.SetDefault("pipeline.flush_interval", "500ms")
	v.SetDefault("pipeline.max_batch", 1000)

	v.SetDefault("dashboard.listen_addr", ":3002")
	v.SetDefault("dashboard.layout", "classic")
	v.SetDefault("dashboard.speed_unit", "kph")
	v.SetDefault("dashboard.rpm_warn", 6000)
	v.SetDefault("dashboard.rpm_danger", 7000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "candash.snapshots")

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.path", "./captures")
	v.SetDefault("capture.max_rows", 100_000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file.max_size", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 14)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("sim.listen_addr", ":29536")
	v.SetDefault("sim.mode", "synthetic")
	v.SetDefault("sim.tick", "100ms")
	v.SetDefault("sim.replay.rate", 1.0)
	v.SetDefault("sim.replay.loop", false)
	v.SetDefault("sim.replay.chunk_size", 1000)
}

// Load reads config from a YAML/JSON/TOML file and applies CANDASH_* environment
// overrides. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no file path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// DashboardJSON serializes the display-facing config for the API.
func (c *Config) DashboardJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.Dashboard)
}

// UpdateDashboardFromJSON applies a partial JSON update by deep-merging
// incoming fields into the dashboard section. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateDashboardFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c.Dashboard)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next DashboardConfig
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	c.Dashboard = next
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
