package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"swarm-dht/internal/dhtnode"
)

const envPrefix = "DHTNODE"

// newViper reads dht-node.{yaml,toml,json} from the usual places and
// DHTNODE_* from the environment. A missing config file is fine.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("dht-node")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dht-node")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	def := dhtnode.DefaultConfig()

	v.SetDefault("bind", def.Bind)
	v.SetDefault("data_dir", "")
	v.SetDefault("seeds", []string{})
	v.SetDefault("cache", !def.NoCache)
	v.SetDefault("log.level", "info")

	v.SetDefault("lan", map[string]any{
		"enabled": def.LAN,
		"port":    def.LANPort,
	})

	v.SetDefault("dht", map[string]any{
		"k":              def.DHT.K,
		"alpha":          def.DHT.Alpha,
		"max_failures":   int(def.DHT.MaxFailures),
		"max_per_subnet": def.DHT.MaxPerSubnet,
		"rpc_timeout":    def.DHT.RPCTimeout,
		"rpc_retries":    int(def.DHT.RPCRetries),
		"rate_limit":     def.DHT.RateLimit,
		"rate_burst":     def.DHT.RateBurst,
		"ephemeral":      def.DHT.Ephemeral,
	})

	v.SetDefault("bootstrap", map[string]any{
		"max_seeds":   def.Bootstrap.MaxSeeds,
		"max_elapsed": def.Bootstrap.MaxElapsed,
	})
}

// nodeConfig turns the merged settings into a dhtnode.Config.
func nodeConfig(v *viper.Viper) (dhtnode.Config, error) {
	cfg := dhtnode.DefaultConfig()

	cfg.Bind = v.GetString("bind")
	cfg.DataDir = v.GetString("data_dir")
	cfg.NoCache = !v.GetBool("cache")
	cfg.LAN = v.GetBool("lan.enabled")
	cfg.LANPort = v.GetInt("lan.port")

	seeds, err := parseSeeds(v.GetStringSlice("seeds"))
	if err != nil {
		return cfg, err
	}
	cfg.Seeds = seeds

	cfg.DHT.K = v.GetInt("dht.k")
	cfg.DHT.Alpha = v.GetInt("dht.alpha")
	cfg.DHT.MaxPerSubnet = v.GetInt("dht.max_per_subnet")
	cfg.DHT.RPCTimeout = v.GetDuration("dht.rpc_timeout")
	cfg.DHT.RateLimit = v.GetFloat64("dht.rate_limit")
	cfg.DHT.RateBurst = v.GetFloat64("dht.rate_burst")
	cfg.DHT.Ephemeral = v.GetBool("dht.ephemeral")

	mf, retries := v.GetInt("dht.max_failures"), v.GetInt("dht.rpc_retries")
	if mf < 0 || mf > 255 || retries < 0 || retries > 255 {
		return cfg, fmt.Errorf("dht.max_failures and dht.rpc_retries must be in 0..255")
	}
	cfg.DHT.MaxFailures = uint8(mf)
	cfg.DHT.RPCRetries = uint8(retries)

	cfg.Bootstrap.MaxSeeds = v.GetInt("bootstrap.max_seeds")
	cfg.Bootstrap.MaxElapsed = v.GetDuration("bootstrap.max_elapsed")
	return cfg, nil
}

// parseSeeds accepts a list where each entry may itself be comma
// separated, as happens with DHTNODE_SEEDS. Host names are resolved once.
func parseSeeds(in []string) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			ap, err := netip.ParseAddrPort(part)
			if err != nil {
				ua, rerr := net.ResolveUDPAddr("udp", part)
				if rerr != nil {
					return nil, fmt.Errorf("seed %q: %w", part, rerr)
				}
				ap = ua.AddrPort()
			}
			out = append(out, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
		}
	}
	return out, nil
}

func logLevel(v *viper.Viper) (logrus.Level, error) {
	return logrus.ParseLevel(v.GetString("log.level"))
}
