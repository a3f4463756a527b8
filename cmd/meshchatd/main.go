// meshchatd is the MeshCore chat daemon: it connects to a companion
// radio over BLE or serial and exposes the chat core over a local HTTP
// and WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/config"
	"github.com/g-d-j-evans/MeschaTUI/internal/gateway"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (YAML)")
		bleAddr    = flag.String("ble", "", "connect at startup to this BLE address")
		serialPort = flag.String("serial", "", "connect at startup via this serial port")
		baud       = flag.Int("baud", 115200, "serial baud rate")
		debug      = flag.Bool("debug", false, "verbose logging and raw event capture")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshchatd: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	var log *zap.Logger
	if cfg.Debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshchatd: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(cfg, log)

	// Optional startup connect. Failure is reported but not fatal; the
	// API can retry or switch transports later.
	switch {
	case *bleAddr != "":
		if err := gw.ConnectBLE(ctx, *bleAddr); err != nil {
			log.Warn("startup BLE connect failed", zap.Error(err))
		}
	case *serialPort != "":
		if err := gw.ConnectSerial(ctx, *serialPort, *baud); err != nil {
			log.Warn("startup serial connect failed", zap.Error(err))
		}
	default:
		// No transport given; fall back to the last saved serial device.
		if saved := config.LoadSerialSettings(config.SerialSettingsPath()); saved != nil {
			rate, err := strconv.Atoi(saved.BaudRate)
			if err != nil {
				rate = *baud
			}
			log.Info("reconnecting to last serial device",
				zap.String("device", saved.DeviceName),
				zap.String("port", saved.Port),
			)
			if err := gw.ConnectSerial(ctx, saved.Port, rate); err != nil {
				log.Warn("saved serial connect failed", zap.Error(err))
			}
		}
	}

	if err := gw.Start(ctx); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}
