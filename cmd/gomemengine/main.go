package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/skipor/gomemengine"
	"github.com/skipor/gomemengine/cmd/gomemengine/config"
	"github.com/skipor/gomemengine/engine"
	"github.com/skipor/gomemengine/internal/tag"
	"github.com/skipor/gomemengine/log"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	conf := resolveConfig()
	l := log.NewLogger(conf.LogLevel, conf.LogDestination)

	e, err := engine.CreateInstance(conf.EngineConfigString())
	if err != nil {
		l.Fatal("Engine init error: ", err)
	}

	s := &gomemengine.Server{
		Addr: conf.Addr,
		Log:  l,
		ConnMeta: gomemengine.ConnMeta{
			Engine:      e,
			MaxItemSize: int(conf.MaxItemSize),
		},
	}

	l.Debugf("Config: %#v", conf)
	if tag.Debug {
		l.Warn("Using debug build.")
	}

	l.Infof("Serve on %s.", s.Addr)
	err = s.ListenAndServe()
	l.Fatal("Serve error: ", err)
}

// resolveConfig parses command flags, reads the config file if any, and
// returns the fully merged, parsed configuration.
// Merge rules: 1) config file value overrides default 2) command line value
// overrides any.
func resolveConfig() config.Config {
	l := log.NewLogger(log.DebugLevel, os.Stderr)
	flg := parseFlags()
	fileConf := config.Default()
	if flg.ConfigPath != "" {
		data, err := ioutil.ReadFile(flg.ConfigPath)
		if err != nil {
			l.Fatal("Config file read error: ", err)
		}
		if err := json.Unmarshal(data, fileConf); err != nil {
			l.Fatal("Config parse error: ", err)
		}
	}
	config.Merge(fileConf, &flg.InputConfig)
	parsed, err := config.Parse(*fileConf)
	if err != nil {
		l.Fatal("Config error: ", err)
	}
	return parsed
}

type flags struct {
	ConfigPath string
	config.InputConfig
}

// NOTE: without a stdlib-only constraint this would reach for
// github.com/spf13/viper and github.com/spf13/cobra instead of flag/json.
func parseFlags() flags {
	var f flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")

	def := config.Default()
	withDefault := func(usage string, defVal interface{}) string {
		return fmt.Sprintf("%s (default %v)", usage, defVal)
	}
	flag.StringVar(&f.Host, "host", "", withDefault("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, withDefault("port num", def.Port))
	flag.StringVar(&f.LogDestination, "log-destination", "", withDefault("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", withDefault("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.StringVar(&f.CacheSize, "cache-size", "", withDefault("cache size: 2g, 64m", def.CacheSize))
	flag.StringVar(&f.MaxItemSize, "max-item-size", "", withDefault("max item size: 10m, 1024k", def.MaxItemSize))
	flag.StringVar(&f.ChunkSize, "chunk-size", "", withDefault("smallest slab chunk size: 96b", def.ChunkSize))
	flag.Float64Var(&f.Factor, "factor", 0, withDefault("slab class growth factor", def.Factor))
	flag.Parse()
	return f
}
