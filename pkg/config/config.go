// Package config loads hwselftest.conf with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"hwselftest/pkg/comm"
	"hwselftest/pkg/model"
)

// EnvPrefix prefixes environment overrides, e.g. HWST_COMM_WS_PORT.
const EnvPrefix = "HWST"

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	CommWS   CommWSConfig  `mapstructure:"comm_ws"`
	Agent    AgentConfig   `mapstructure:"agent"`
	Results  ResultsConfig `mapstructure:"results"`
	Filter   FilterConfig  `mapstructure:"filter"`
	Journal  JournalConfig `mapstructure:"journal"`
	Auth     AuthConfig    `mapstructure:"auth"`
	Diags    []DiagConfig  `mapstructure:"diags"`
	WAN      WANConfig     `mapstructure:"wan"`
}

type CommWSConfig struct {
	Bind       string `mapstructure:"bind"`
	Port       int    `mapstructure:"port"`
	MaxPayload int    `mapstructure:"max_payload"`
	TxTimeout  int    `mapstructure:"tx_timeout"` // ms
}

type AgentConfig struct {
	ConnectTimeout   int  `mapstructure:"connect_timeout"` // seconds, 0 disables
	ExitOnDisconnect bool `mapstructure:"exit_on_disconnect"`
}

type ResultsConfig struct {
	File       string `mapstructure:"file"`
	ExpiryTime int    `mapstructure:"expiry_time"` // minutes, 0 never
	Write      bool   `mapstructure:"write"`
}

type FilterConfig struct {
	BufferFile      string `mapstructure:"buffer_file"`
	Source          string `mapstructure:"source"` // static or consul
	Enable          bool   `mapstructure:"enable"`
	QueueDepth      int    `mapstructure:"queue_depth"`
	FilterParams    string `mapstructure:"filter_params"`
	ResultsFiltered bool   `mapstructure:"results_filtered"`
	ConsulAddr      string `mapstructure:"consul_addr"`
	ConsulToken     string `mapstructure:"consul_token"`
	ConsulPrefix    string `mapstructure:"consul_prefix"`
}

type JournalConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	TokenHash string `mapstructure:"token_hash"`
}

// DiagConfig declares a command probe.
type DiagConfig struct {
	Name    string   `mapstructure:"name"`
	Command []string `mapstructure:"command"`
	Timeout int      `mapstructure:"timeout"` // seconds
}

type WANConfig struct {
	Targets []string `mapstructure:"targets"`
	Timeout int      `mapstructure:"timeout"` // seconds
}

// Load reads path, or hwselftest.conf from . and /etc/hwselftest when path is
// empty. A .env file in the working directory is applied first.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
	} else {
		v.SetConfigName("hwselftest.conf")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hwselftest")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("comm_ws.bind", comm.DefaultBind)
	v.SetDefault("comm_ws.port", comm.DefaultPort)
	v.SetDefault("comm_ws.max_payload", comm.DefaultMaxPayload)
	v.SetDefault("comm_ws.tx_timeout", int(comm.DefaultTxTimeout/time.Millisecond))

	v.SetDefault("agent.connect_timeout", 60)
	v.SetDefault("agent.exit_on_disconnect", true)

	v.SetDefault("results.file", "/tmp/hwselftest.results")
	v.SetDefault("results.expiry_time", 0)
	v.SetDefault("results.write", true)

	v.SetDefault("filter.buffer_file", "/opt/hwselftest/hwstresults.buffer")
	v.SetDefault("filter.source", "static")
	v.SetDefault("filter.enable", false)
	v.SetDefault("filter.queue_depth", model.DefaultQueueDepth)
	v.SetDefault("filter.filter_params", "")
	v.SetDefault("filter.results_filtered", false)
	v.SetDefault("filter.consul_addr", "")
	v.SetDefault("filter.consul_token", "")
	v.SetDefault("filter.consul_prefix", "hwselftest/resultfilter/")

	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.dsn", "/opt/hwselftest/journal.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_hash", "")

	v.SetDefault("wan.timeout", 1)
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// Comm converts the comm_ws section.
func (c *Config) Comm() comm.Config {
	return comm.Config{
		Bind:       c.CommWS.Bind,
		Port:       c.CommWS.Port,
		MaxPayload: c.CommWS.MaxPayload,
		TxTimeout:  time.Duration(c.CommWS.TxTimeout) * time.Millisecond,
	}
}

// FilterPolicy is the static filter policy.
func (c *Config) FilterPolicy() model.FilterConfig {
	return model.FilterConfig{
		Enabled:         c.Filter.Enable,
		QueueDepth:      c.Filter.QueueDepth,
		FilterParams:    c.Filter.FilterParams,
		ResultsFiltered: c.Filter.ResultsFiltered,
	}
}

// ConnectTimeout is zero when the no-client exit timer is disabled.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Agent.ConnectTimeout) * time.Second
}

// ResultsExpiry is zero when previous results never expire.
func (c *Config) ResultsExpiry() time.Duration {
	return time.Duration(c.Results.ExpiryTime) * time.Minute
}
