package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"swarm-dht/internal/dhtnode"
)

// Set at build time with -ldflags.
var Version = "dev"

func main() {
	configFile := flag.String("config", "", "config file (default: dht-node.{yaml,toml,json} in . or $HOME/.dht-node)")
	bind := flag.String("bind", "", "UDP bind address (e.g. :49737)")
	seeds := flag.String("seeds", "", "comma-separated seed addresses host:port")
	dataDir := flag.String("data-dir", "", "directory for node id, signing key and contact cache")
	lan := flag.Bool("lan", true, "answer and send LAN discovery probes")
	ephemeral := flag.Bool("ephemeral", false, "never send our id, so nobody routes to us")
	logLvl := flag.String("log-level", "", "panic|fatal|error|warn|info|debug|trace")
	flag.Parse()

	v, err := newViper(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	applyFlags(v, map[string]any{
		"bind":      *bind,
		"seeds":     *seeds,
		"data-dir":  *dataDir,
		"lan":       *lan,
		"ephemeral": *ephemeral,
		"log-level": *logLvl,
	})

	logger := log.New()
	formatter := new(log.TextFormatter)
	formatter.FullTimestamp = true
	formatter.TimestampFormat = "15:04:05"
	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stderr)

	lvl, err := logLevel(v)
	if err != nil {
		logger.WithError(err).Fatal("Bad log level")
	}
	logger.SetLevel(lvl)

	cfg, err := nodeConfig(v)
	if err != nil {
		logger.WithError(err).Fatal("Bad configuration")
	}

	app, err := dhtnode.New(cfg, logger, nil)
	if err != nil {
		logger.WithError(err).Fatal("Cannot create node")
	}

	logger.WithFields(log.Fields{
		"version": Version,
		"id":      app.DHT.Self().Short(),
		"addr":    app.DHT.LocalAddr().String(),
		"config":  v.ConfigFileUsed(),
	}).Info("Starting dht-node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.Start(ctx)
	if err := app.Run(ctx, os.Stdin); err != nil {
		logger.WithError(err).Error("Command loop failed")
	}
	if err := app.Close(); err != nil {
		logger.WithError(err).Warn("Close failed")
	}
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"bind":      "bind",
	"seeds":     "seeds",
	"data-dir":  "data_dir",
	"lan":       "lan.enabled",
	"ephemeral": "dht.ephemeral",
	"log-level": "log.level",
}

// applyFlags lets flags given explicitly on the command line override the
// config file and environment.
func applyFlags(v *viper.Viper, values map[string]any) {
	flag.Visit(func(f *flag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		v.Set(key, values[f.Name])
	})
}
