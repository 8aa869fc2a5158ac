package config

import (
	"fmt"
	"testing"

	"github.com/dspinellis/sgsh/src/common"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default configuration values.
const (
	DefaultLogLevel   = "info"
	DefaultSeparator  = "\n"
	DefaultRBegin     = 0
	DefaultREnd       = 1
	DefaultBufferSize = 4096
)

// Config contains all the configuration properties of the writeval store.
type Config struct {
	// RecordLength selects fixed-length record framing when positive;
	// when 0, records are delimited by Separator.
	RecordLength int `mapstructure:"length"`

	// Separator is the record separator, given as a one-character string;
	// \0 selects the NUL byte.
	Separator string `mapstructure:"separator"`

	// RBegin and REnd select the response window as a reverse range of
	// records counted from the newest; (0, 1) serves the latest record.
	RBegin int `mapstructure:"rbegin"`
	REnd   int `mapstructure:"rend"`

	// TimeWindow requests a time-based response window. The store does not
	// implement it and rejects a configuration that sets it.
	TimeWindow bool `mapstructure:"time-window"`

	// BufferSize is the capacity of each input buffer.
	BufferSize int `mapstructure:"buffer-size"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, also routes log output to the named file.
	LogFile string `mapstructure:"log-file"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		RecordLength: 0,
		Separator:    DefaultSeparator,
		RBegin:       DefaultRBegin,
		REnd:         DefaultREnd,
		BufferSize:   DefaultBufferSize,
		LogLevel:     DefaultLogLevel,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SeparatorByte parses the separator option into the single byte it denotes.
// The two-character string \0 selects NUL.
func (c *Config) SeparatorByte() (byte, error) {
	switch {
	case c.Separator == `\0`:
		return 0, nil
	case len(c.Separator) == 1:
		return c.Separator[0], nil
	default:
		return 0, fmt.Errorf("record separator must be a single character, got %q", c.Separator)
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "writeval".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.Hooks.Add(lfshook.NewHook(
				c.LogFile,
				new(prefixed.TextFormatter),
			))
		}
	}
	return c.logger.WithField("prefix", "writeval")
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
