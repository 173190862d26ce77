package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jkbrsn/carbonrelay"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	modeStdin   = "stdin"
	modeRuntime = "runtime"
)

// appConfig holds the daemon configuration, merged from defaults, the config file, the
// environment and flags, in increasing order of precedence.
type appConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Prefix         string        `mapstructure:"prefix"`
	ExcludeRegex   string        `mapstructure:"exclude_regex"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`

	Mode     string        `mapstructure:"mode"`
	Interval time.Duration `mapstructure:"interval"`
	WSListen string        `mapstructure:"ws_listen"`
	LogLevel string        `mapstructure:"log_level"`
}

// newFlagSet declares the command line flags. Each flag overrides the config key of the same
// name, with dashes in place of underscores.
func newFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("carbonrelay", pflag.ContinueOnError)
	flagSet.String("config", "", "path to a YAML config file (default: ./carbonrelay.yaml if present)")
	flagSet.Bool("enabled", true, "forward metrics to the collector")
	flagSet.String("host", carbonrelay.DefaultHost, "collector host")
	flagSet.Int("port", carbonrelay.DefaultPort, "collector plaintext port")
	flagSet.String("prefix", carbonrelay.DefaultPrefix, "first path segment of every metric")
	flagSet.String("exclude-regex", carbonrelay.DefaultExcludePattern, "metric names fully matching this pattern are not forwarded")
	flagSet.Duration("connect-timeout", carbonrelay.DefaultConnectTimeout, "bound on one connect attempt")
	flagSet.Duration("write-timeout", carbonrelay.DefaultWriteTimeout, "bound on one line write")
	flagSet.String("mode", modeStdin, "metric source: stdin (NDJSON pushed on stdin) or runtime (Go runtime stats polled)")
	flagSet.Duration("interval", 10*time.Second, "flush interval in runtime mode")
	flagSet.String("ws-listen", "", "accept JSON observations over a websocket on this address, e.g. :8080")
	flagSet.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flagSet.BoolP("help", "h", false, "show help")
	return flagSet
}

// loadConfig merges the parsed flags with the config file and CARBONRELAY_* environment.
func loadConfig(flagSet *pflag.FlagSet) (appConfig, error) {
	v := viper.New()

	v.SetDefault("enabled", true)
	v.SetDefault("host", carbonrelay.DefaultHost)
	v.SetDefault("port", carbonrelay.DefaultPort)
	v.SetDefault("prefix", carbonrelay.DefaultPrefix)
	v.SetDefault("exclude_regex", carbonrelay.DefaultExcludePattern)
	v.SetDefault("connect_timeout", carbonrelay.DefaultConnectTimeout)
	v.SetDefault("write_timeout", carbonrelay.DefaultWriteTimeout)
	v.SetDefault("mode", modeStdin)
	v.SetDefault("interval", 10*time.Second)
	v.SetDefault("ws_listen", "")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("CARBONRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	flagSet.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "config" || flag.Name == "help" {
			return
		}
		key := strings.ReplaceAll(flag.Name, "-", "_")
		bindErr = errors.Join(bindErr, v.BindPFlag(key, flag))
	})
	if bindErr != nil {
		return appConfig{}, fmt.Errorf("binding flags: %w", bindErr)
	}

	configPath, _ := flagSet.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("carbonrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/carbonrelay/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return appConfig{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	switch c.Mode {
	case modeStdin, modeRuntime:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Mode == modeRuntime && c.Interval <= 0 {
		return errors.New("interval must be positive in runtime mode")
	}
	return nil
}

// forwarderOptions renders the collector settings as the option map understood by
// carbonrelay.ConfigFromMap and Reporter.Configure.
func (c appConfig) forwarderOptions() map[string]any {
	return map[string]any{
		carbonrelay.ConfigKeyEnabled:        c.Enabled,
		carbonrelay.ConfigKeyHost:           c.Host,
		carbonrelay.ConfigKeyPort:           c.Port,
		carbonrelay.ConfigKeyGroup:          c.Prefix,
		carbonrelay.ConfigKeyExcludeRegex:   c.ExcludeRegex,
		carbonrelay.ConfigKeyConnectTimeout: c.ConnectTimeout.Milliseconds(),
		carbonrelay.ConfigKeyWriteTimeout:   c.WriteTimeout.Milliseconds(),
	}
}
