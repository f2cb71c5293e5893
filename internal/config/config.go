// ABOUTME: Layered configuration for the TTP player and simulator
// ABOUTME: Defaults, optional config file, TTP_* environment and flags via viper
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. TTP_ENGINE_PERIOD_US
const EnvPrefix = "TTP"

// Engine configures the synchroniser
type Engine struct {
	PeriodUs     int64   `mapstructure:"period_us" json:"period_us"`
	DelayUs      int64   `mapstructure:"delay_us" json:"delay_us"`
	MaxWarp      float64 `mapstructure:"max_warp" json:"max_warp"`
	Target       string  `mapstructure:"target" json:"target"` // software, hardware
	ConnectionID uint32  `mapstructure:"connection_id" json:"connection_id"`
	EndpointID   uint32  `mapstructure:"endpoint_id" json:"endpoint_id"`
	InputMs      int     `mapstructure:"input_ms" json:"input_ms"`
	OutputMs     int     `mapstructure:"output_ms" json:"output_ms"`
}

// Source configures the generated test stream
type Source struct {
	SampleRate int     `mapstructure:"sample_rate" json:"sample_rate"`
	Channels   int     `mapstructure:"channels" json:"channels"`
	BlockUs    int64   `mapstructure:"block_us" json:"block_us"`
	LatencyUs  int64   `mapstructure:"latency_us" json:"latency_us"`
	DriftPPM   float64 `mapstructure:"drift_ppm" json:"drift_ppm"`
	Frequency  float64 `mapstructure:"frequency" json:"frequency"`
	VoidEvery  int     `mapstructure:"void_every" json:"void_every"`
}

// Telemetry configures the websocket hub and its mDNS advertisement
type Telemetry struct {
	Addr string `mapstructure:"addr" json:"addr"`
	MDNS bool   `mapstructure:"mdns" json:"mdns"`
	Name string `mapstructure:"name" json:"name"`
}

// Config is the full configuration tree
type Config struct {
	Level      string    `mapstructure:"level" json:"level"`
	ConfigFile string    `mapstructure:"config_file" json:"config_file"`
	LogFile    string    `mapstructure:"log_file" json:"log_file"`
	TUI        bool      `mapstructure:"tui" json:"tui"`
	Headless   bool      `mapstructure:"headless" json:"headless"`
	DACPPM     float64   `mapstructure:"dac_ppm" json:"dac_ppm"`
	Engine     Engine    `mapstructure:"engine" json:"engine"`
	Source     Source    `mapstructure:"source" json:"source"`
	Telemetry  Telemetry `mapstructure:"telemetry" json:"telemetry"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Level: "info",
		TUI:   true,
		Engine: Engine{
			PeriodUs: 1000,
			MaxWarp:  0.005,
			Target:   "software",
			InputMs:  500,
			OutputMs: 200,
		},
		Source: Source{
			SampleRate: 48000,
			Channels:   2,
			BlockUs:    10_000,
			LatencyUs:  100_000,
			Frequency:  440,
		},
		Telemetry: Telemetry{
			Addr: ":8928",
			MDNS: true,
			Name: "TTP Player",
		},
	}
}

// AddFlags registers the configuration flags
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config_file", "", "configuration file (yaml, json or toml)")
	fs.String("level", d.Level, "log level (debug, info, warn, error)")
	fs.String("log_file", "", "also write logs to this file (ignored with the TUI)")
	fs.Bool("tui", d.TUI, "show the terminal UI")
	fs.Bool("headless", d.Headless, "drain output on a software clock instead of the audio device")
	fs.Float64("dac_ppm", d.DACPPM, "headless DAC clock error in ppm")

	fs.Int64("engine.period_us", d.Engine.PeriodUs, "engine run period in microseconds")
	fs.Int64("engine.delay_us", d.Engine.DelayUs, "downstream delay after the output buffer in microseconds")
	fs.Float64("engine.max_warp", d.Engine.MaxWarp, "maximum rate warp (fraction)")
	fs.String("engine.target", d.Engine.Target, "rate correction target (software, hardware)")
	fs.Uint32("engine.connection_id", d.Engine.ConnectionID, "connection ID reported with faults")
	fs.Uint32("engine.endpoint_id", d.Engine.EndpointID, "endpoint ID reported with faults")
	fs.Int("engine.input_ms", d.Engine.InputMs, "input buffer length in milliseconds")
	fs.Int("engine.output_ms", d.Engine.OutputMs, "output buffer length in milliseconds")

	fs.Int("source.sample_rate", d.Source.SampleRate, "sample rate in Hz")
	fs.Int("source.channels", d.Source.Channels, "number of channels")
	fs.Int64("source.block_us", d.Source.BlockUs, "tagged block length in microseconds")
	fs.Int64("source.latency_us", d.Source.LatencyUs, "time-to-play latency added to each block")
	fs.Float64("source.drift_ppm", d.Source.DriftPPM, "source clock error in ppm")
	fs.Float64("source.frequency", d.Source.Frequency, "test tone frequency in Hz")
	fs.Int("source.void_every", d.Source.VoidEvery, "mark every Nth block void (0 disables)")

	fs.String("telemetry.addr", d.Telemetry.Addr, "telemetry websocket listen address (empty disables)")
	fs.Bool("telemetry.mdns", d.Telemetry.MDNS, "advertise telemetry via mDNS")
	fs.String("telemetry.name", d.Telemetry.Name, "advertised service name")
}

// Load layers defaults, config file, environment and flags, in increasing priority
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults
	b, err := json.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("config: encode defaults: %w", err)
	}
	defaults := viper.New()
	defaults.SetConfigType("json")
	if err := defaults.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("config: read defaults: %w", err)
	}
	for _, key := range defaults.AllKeys() {
		v.SetDefault(key, defaults.Get(key))
	}

	// Flags
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: %s: %w", file, err)
		}
		log.Infof("Using config file %s", v.ConfigFileUsed())
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the player cannot run
func (c *Config) Validate() error {
	switch {
	case c.Source.SampleRate <= 0:
		return fmt.Errorf("config: sample rate %d", c.Source.SampleRate)
	case c.Source.Channels <= 0:
		return fmt.Errorf("config: channels %d", c.Source.Channels)
	case c.Engine.PeriodUs <= 0:
		return fmt.Errorf("config: period %dus", c.Engine.PeriodUs)
	case c.Engine.InputMs <= 0 || c.Engine.OutputMs <= 0:
		return fmt.Errorf("config: buffer lengths %dms/%dms", c.Engine.InputMs, c.Engine.OutputMs)
	}
	switch c.Engine.Target {
	case "software", "hardware":
	default:
		return fmt.Errorf("config: unknown rate target %q", c.Engine.Target)
	}
	if _, err := log.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ApplyLogging sets the global log level and prints the final config at debug
func (c *Config) ApplyLogging() {
	if l, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(l)
		log.SetReportCaller(l == log.DebugLevel)
	}
	log.Debugf("Current configuration: \n%# v", pretty.Formatter(*c))
}
