// Command server runs the authoritative lockstep game server. It takes one
// positional argument, the path to a content package, loads the guest game
// module from it, and serves the game endpoint until killed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/opd-ai/lockstep/pkg/config"
	"github.com/opd-ai/lockstep/pkg/game"
	"github.com/opd-ai/lockstep/pkg/guest"
	"github.com/opd-ai/lockstep/pkg/lockstep"
	"github.com/opd-ai/lockstep/pkg/loop"
	"github.com/opd-ai/lockstep/pkg/network"
	"github.com/opd-ai/lockstep/pkg/pack"
	"github.com/opd-ai/lockstep/pkg/replay"
	"github.com/sirupsen/logrus"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <package>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	packagePath := flag.Arg(0)

	logrus.SetFormatter(&logrus.JSONFormatter{})

	if err := config.Load(); err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	cfg := config.Get()

	applyLogLevel(cfg.LogLevel)
	config.Watch(func(old, next config.Config) {
		if old.LogLevel != next.LogLevel {
			applyLogLevel(next.LogLevel)
		}
	})

	logrus.WithFields(logrus.Fields{
		"package":   packagePath,
		"addr":      cfg.ListenAddr,
		"tick_rate": cfg.TickRate,
	}).Info("starting lockstep server")

	pkg, err := pack.LoadFile(packagePath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load package")
	}

	module, err := guest.NewModule(pkg.Code)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load game module")
	}

	server, err := lockstep.New(game.NewWasmGame(module))
	if err != nil {
		logrus.WithError(err).Fatal("failed to create simulation")
	}

	transport, err := network.Listen(cfg.ListenAddr, &network.Options{
		ClientDir:    cfg.ClientDir,
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to start transport")
	}

	var recorder *replay.Recorder
	if cfg.ReplayDB != "" {
		recorder, err = replay.Open(cfg.ReplayDB)
		if err != nil {
			logrus.WithError(err).Fatal("failed to open frame journal")
		}
		defer recorder.Close()
	}

	driver := loop.New(transport, server, cfg.TickRate, recorder)
	if err := driver.Run(context.Background()); err != nil {
		logrus.WithError(err).Fatal("simulation halted")
	}
}

func applyLogLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logrus.WithError(err).Warn("invalid log level, keeping current")
		return
	}
	logrus.SetLevel(level)
}
