package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"lineq/lineq"
)

var (
	configPath = flag.String(
		"config",
		"",
		"path to a YAML config file",
	)
	listenAddr = flag.String(
		"listen-address",
		"",
		"host ip address of the broker in the format of host:port (overrides config)",
	)
	dataDir = flag.String(
		"data-dir",
		"",
		"directory for the metadata WAL and data logs (overrides config)",
	)
	dataWorkers = flag.Int(
		"data-workers",
		0,
		"number of data workers in the pool (overrides config)",
	)
	nodeName = flag.String(
		"node-name",
		"lineq-1",
		"name of this broker in log output",
	)
)

func main() {
	flag.Parse()

	cfg := lineq.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logrus.Fatalf("Failed to read config %s: %v", *configPath, err)
		}
		if err := cfg.Parse(data); err != nil {
			logrus.Fatalf("Failed to parse config %s: %v", *configPath, err)
		}
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *dataWorkers > 0 {
		cfg.DataWorkers = *dataWorkers
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	logger := logrus.WithField("Node", *nodeName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := lineq.NewBroker(cfg, *logger)
	if err := broker.Run(ctx); err != nil {
		logrus.Fatalf("Broker exited with error: %v", err)
	}
}
