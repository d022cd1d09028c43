// Package config parses the daemon's JSON file and command-line flags into
// the values the engine and front end need to start serving.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/gomemengine/internal/util"
	"github.com/skipor/gomemengine/log"
)

// Config is the fully parsed, ready-to-use configuration a daemon starts
// from.
type Config struct {
	Addr           string
	LogDestination io.Writer
	LogLevel       log.Level
	CacheSize      int64
	MaxItemSize    int64
	ChunkSize      int64
	Factor         float64
	Eviction       bool
	CasEnabled     bool
}

// EngineConfigString renders the semicolon-delimited configuration string
// engine.CreateInstance expects.
func (c Config) EngineConfigString() string {
	return fmt.Sprintf(
		"cache_size=%d;chunk_size=%d;factor=%g;item_size_max=%d;eviction=%t;cas_enabled=%t",
		c.CacheSize, c.ChunkSize, c.Factor, c.MaxItemSize, c.Eviction, c.CasEnabled,
	)
}

// InputConfig is the JSON-file/flag-layer shape: string sizes ("64m"),
// before unit parsing.
type InputConfig struct {
	Port           int     `json:"port,omitempty"`
	Host           string  `json:"host,omitempty"`
	LogDestination string  `json:"log-destination,omitempty"`
	LogLevel       string  `json:"log-level,omitempty"`
	CacheSize      string  `json:"cache-size,omitempty"`
	MaxItemSize    string  `json:"max-item-size,omitempty"`
	ChunkSize      string  `json:"chunk-size,omitempty"`
	Factor         float64 `json:"factor,omitempty"`
	Eviction       bool    `json:"eviction,omitempty"`
	CasEnabled     bool    `json:"cas-enabled,omitempty"`
}

// Default returns the InputConfig used when neither a file nor flags
// override a field.
func Default() *InputConfig {
	return &InputConfig{
		Port:           11211,
		Host:           "",
		LogDestination: "stderr",
		LogLevel:       "info",
		CacheSize:      "64m",
		MaxItemSize:    "1m",
		ChunkSize:      "96b",
		Factor:         1.25,
		Eviction:       true,
		CasEnabled:     true,
	}
}

// Parse converts an InputConfig (sizes as strings) into a ready-to-use
// Config.
func Parse(in InputConfig) (conf Config, err error) {
	conf.LogDestination, err = logDestination(in.LogDestination)
	if err != nil {
		return Config{}, stackerr.Newf("log destination open error: %v", err)
	}
	conf.CacheSize, err = parseSize(in.CacheSize)
	if err != nil {
		return Config{}, stackerr.Newf("cache size parse error: %v", err)
	}
	conf.MaxItemSize, err = parseSize(in.MaxItemSize)
	if err != nil {
		return Config{}, stackerr.Newf("max item size parse error: %v", err)
	}
	conf.ChunkSize, err = parseSize(in.ChunkSize)
	if err != nil {
		return Config{}, stackerr.Newf("chunk size parse error: %v", err)
	}
	conf.LogLevel, err = log.LevelFromString(in.LogLevel)
	if err != nil {
		return Config{}, stackerr.Newf("log level parse error: %v", err)
	}
	conf.Factor = in.Factor
	conf.Eviction = in.Eviction
	conf.CasEnabled = in.CasEnabled
	conf.Addr = net.JoinHostPort(in.Host, strconv.Itoa(in.Port))
	return conf, nil
}

// Merge copies every non-zero field of override into def, field by field,
// so command-line flags win over the config file, which in turn wins over
// Default. A zero-valued field of override leaves def's field unchanged.
func Merge(def, override *InputConfig) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		f := overrideVal.Field(i)
		if !util.IsZeroVal(f) {
			defVal.Field(i).Set(f)
		}
	}
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		return 0, errors.New("invalid size format")
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		return 0, errors.New("invalid exponent, only b, k, m, g allowed")
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("size parse error: %s", err)
	}
	size <<= exponent
	return size, nil
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		return os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	}
}
