package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skipor/gomemengine/internal/relerr"
	"github.com/skipor/gomemengine/slab"
)

// Config holds an Engine's tunables, populated from the semicolon-delimited
// name=value string CreateInstance receives.
type Config struct {
	// CacheSize is the total byte budget across all slab classes.
	CacheSize int64
	// Preallocate reserves CacheSize up front instead of growing pages
	// lazily. The in-memory allocator always grows lazily; Preallocate is
	// accepted for config-string compatibility and otherwise ignored.
	Preallocate bool
	// Factor is the slab class growth factor.
	Factor float64
	// ChunkSize is the smallest slab class size.
	ChunkSize int
	// ItemSizeMax bounds the largest value a single item may hold.
	ItemSizeMax int
	// Eviction, when true, reclaims LRU/expired items to satisfy an
	// allocation once the budget is exhausted; when false, exhaustion
	// always fails with NoMemory.
	Eviction bool
	// CasEnabled gates whether Store/Remove enforce a caller-supplied CAS
	// stamp at all.
	CasEnabled bool
	// Verbose is a logging verbosity level, 0 meaning quiet.
	Verbose int
}

// DefaultConfig returns the configuration used when a key is absent from the
// config string.
func DefaultConfig() Config {
	return Config{
		CacheSize:   64 << 20,
		Factor:      slab.DefaultGrowthFactor,
		ChunkSize:   slab.DefaultBaseSize,
		ItemSizeMax: 1 << 20,
		Eviction:    true,
		CasEnabled:  true,
	}
}

// ParseConfig parses a semicolon-delimited "key=value" config string into a
// Config, starting from DefaultConfig. An empty string returns the defaults
// unchanged.
func ParseConfig(configStr string) (Config, error) {
	cfg := DefaultConfig()
	for _, token := range strings.Split(configStr, ";") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		kv := strings.SplitN(token, "=", 2)
		if len(kv) != 2 {
			return Config{}, relerr.New(relerr.Invalid, fmt.Sprintf("malformed config token %q", token))
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if err := cfg.set(key, val); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (cfg *Config) set(key, val string) error {
	switch key {
	case "cache_size":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.CacheSize = n
	case "preallocate":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.Preallocate = b
	case "factor":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.Factor = f
	case "chunk_size":
		n, err := strconv.Atoi(val)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.ChunkSize = n
	case "item_size_max":
		n, err := strconv.Atoi(val)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.ItemSizeMax = n
	case "eviction":
		b, err := parseOnOff(val)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.Eviction = b
	case "cas_enabled":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.CasEnabled = b
	case "verbose":
		n, err := strconv.Atoi(val)
		if err != nil {
			return invalidValue(key, val)
		}
		cfg.Verbose = n
	default:
		return relerr.New(relerr.Invalid, fmt.Sprintf("unknown config key %q", key))
	}
	return nil
}

// parseOnOff accepts the "on"/"off" spelling memcached's own -o eviction
// switch documents, plus the usual strconv.ParseBool forms.
func parseOnOff(val string) (bool, error) {
	switch val {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return strconv.ParseBool(val)
	}
}

func invalidValue(key, val string) error {
	return relerr.New(relerr.Invalid, fmt.Sprintf("invalid value %q for config key %q", val, key))
}
