// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bhangun/cncd/internal/config"
	"github.com/bhangun/cncd/internal/controller/tinyg"
	"github.com/bhangun/cncd/internal/log"
	"github.com/bhangun/cncd/internal/macro"
	"github.com/bhangun/cncd/internal/transport"
	"github.com/bhangun/cncd/internal/watchdir"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type serveFlags struct {
	port        string
	addr        string
	baudRate    int
	configPath  string
	watchDir    string
	metricsAddr string
}

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "cncd",
		Short:         "CNC controller daemon for TinyG and g2core firmware",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := &serveFlags{}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Open a controller and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), logger, flags)
		},
	}
	serve.Flags().StringVar(&flags.port, "port", "", "Serial device path (e.g. /dev/ttyUSB0)")
	serve.Flags().StringVar(&flags.addr, "addr", "", "TCP address of a serial bridge (host:port)")
	serve.Flags().IntVar(&flags.baudRate, "baud", 0, "Serial baud rate (default from settings)")
	serve.Flags().StringVar(&flags.configPath, "config", "", "Path to settings.yaml")
	serve.Flags().StringVar(&flags.watchDir, "watch-dir", "", "Directory of g-code macros")
	serve.Flags().StringVar(&flags.metricsAddr, "metrics", "", "Prometheus listen address (e.g. :9100)")
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cncd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		logger.Error("command failed", log.Error(err))
		os.Exit(1)
	}
}

func runServe(ctx context.Context, logger *slog.Logger, flags *serveFlags) error {
	settings, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.baudRate != 0 {
		settings.Serial.BaudRate = flags.baudRate
	}
	if flags.watchDir != "" {
		settings.WatchDirectory = flags.watchDir
	}

	var tr transport.Transport
	switch {
	case flags.port != "":
		tr = transport.NewSerial(flags.port, settings.Serial.BaudRate)
	case flags.addr != "":
		tr = transport.NewSocket(flags.addr)
	default:
		return fmt.Errorf("either --port or --addr is required")
	}

	macros := macro.NewStore()
	opts := tinyg.Options{
		Transport: tr,
		Settings:  settings,
		Logger:    logger,
		Macros:    macros,
	}

	if settings.WatchDirectory != "" {
		watcher, err := watchdir.New(settings.WatchDirectory, macros, logger)
		if err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Stop()
		opts.ReadFile = watcher.ReadFile
	}

	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(flags.metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", log.Error(err))
			}
		}()
	}

	controller := tinyg.New(opts)
	controller.AddClient("log", &logEmitter{logger: log.WithComponent(logger, "events")})

	if err := controller.Open(ctx); err != nil {
		return err
	}
	logger.Info("controller open", slog.String(log.PortKey, tr.Address()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		if err := controller.Close(); err != nil {
			logger.Warn("close failed", log.Error(err))
		}
	case <-controller.Done():
		logger.Info("controller closed")
	}

	<-controller.Done()
	return nil
}

// logEmitter surfaces broadcast events through the structured logger.
// It stands in for the multi-client broadcast layer, which is an
// external collaborator of the core.
type logEmitter struct {
	logger *slog.Logger
}

func (e *logEmitter) Emit(event string, args ...interface{}) {
	e.logger.Debug("event", slog.String(log.EventKey, event), slog.Any("args", args))
}
