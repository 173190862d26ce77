package carbonrelay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cast"
)

// Option keys understood by ConfigFromMap.
const (
	ConfigKeyEnabled        = "kafka.graphite.metrics.reporter.enabled"
	ConfigKeyHost           = "kafka.graphite.metrics.host"
	ConfigKeyPort           = "kafka.graphite.metrics.port"
	ConfigKeyGroup          = "kafka.graphite.metrics.group"
	ConfigKeyExcludeRegex   = "kafka.graphite.metrics.exclude.regex"
	ConfigKeyConnectTimeout = "kafka.graphite.metrics.connect.timeout.ms"
	ConfigKeyWriteTimeout   = "kafka.graphite.metrics.write.timeout.ms"
)

// Configuration defaults.
const (
	DefaultHost   = "localhost"
	DefaultPort   = 2003
	DefaultPrefix = "kafka"
)

// Config holds the settings of a Forwarder. It is read once when the Forwarder is created;
// changing it requires a new Forwarder.
type Config struct {
	// Enabled turns forwarding on. A disabled Forwarder ignores every call.
	Enabled bool
	// Host and Port address the collector's plaintext listener.
	Host string
	Port int
	// Prefix is the first path segment of every metric line.
	Prefix string
	// ExcludePattern is a regular expression; metric names fully matching it are not forwarded.
	ExcludePattern string

	Timeouts Timeouts
}

// DefaultConfig returns the configuration used for options that are not set.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Host:           DefaultHost,
		Port:           DefaultPort,
		Prefix:         DefaultPrefix,
		ExcludePattern: DefaultExcludePattern,
		Timeouts:       DefaultTimeouts(),
	}
}

// Addr returns the collector address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that the configuration is usable. Returned errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.Join(ErrInvalidConfig, errors.New("host is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := NewNameFilter(c.ExcludePattern); err != nil {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("exclude pattern: %w", err))
	}
	if err := c.Timeouts.Validate(); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	return nil
}

// ConfigFromMap builds a Config from a host-supplied option map, applying defaults for absent
// keys. Values are coerced leniently, e.g. "true" and "2003" are accepted; values that cannot
// be coerced yield an error wrapping ErrInvalidConfig.
func ConfigFromMap(options map[string]any) (Config, error) {
	cfg := DefaultConfig()
	var errs []error

	if v, ok := options[ConfigKeyEnabled]; ok {
		enabled, err := cast.ToBoolE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyEnabled, err))
		}
		cfg.Enabled = enabled
	}
	if v, ok := options[ConfigKeyHost]; ok {
		host, err := cast.ToStringE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyHost, err))
		}
		cfg.Host = host
	}
	if v, ok := options[ConfigKeyPort]; ok {
		port, err := cast.ToIntE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyPort, err))
		}
		cfg.Port = port
	}
	if v, ok := options[ConfigKeyGroup]; ok {
		prefix, err := cast.ToStringE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyGroup, err))
		}
		cfg.Prefix = prefix
	}
	if v, ok := options[ConfigKeyExcludeRegex]; ok {
		pattern, err := cast.ToStringE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyExcludeRegex, err))
		}
		cfg.ExcludePattern = pattern
	}
	if v, ok := options[ConfigKeyConnectTimeout]; ok {
		ms, err := cast.ToInt64E(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyConnectTimeout, err))
		}
		cfg.Timeouts.Connect = time.Duration(ms) * time.Millisecond
	}
	if v, ok := options[ConfigKeyWriteTimeout]; ok {
		ms, err := cast.ToInt64E(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ConfigKeyWriteTimeout, err))
		}
		cfg.Timeouts.Write = time.Duration(ms) * time.Millisecond
	}

	if len(errs) > 0 {
		return cfg, errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return cfg, cfg.Validate()
}
