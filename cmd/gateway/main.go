// The gateway service: connects to the media server and the MQTT broker,
// then serves the control API and the viewer signaling WebSocket until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/hivecam-gateway/pkg/api"
	"github.com/ethan/hivecam-gateway/pkg/config"
	"github.com/ethan/hivecam-gateway/pkg/logger"
	"github.com/ethan/hivecam-gateway/pkg/mediaserver"
	"github.com/ethan/hivecam-gateway/pkg/mqttgw"
	"github.com/ethan/hivecam-gateway/pkg/signaling"
	"github.com/ethan/hivecam-gateway/pkg/stream"
)

const shutdownGrace = 10 * time.Second

func main() {
	envPath := flag.String("env", ".env", "path to optional .env file")
	flag.Parse()

	if err := run(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(envPath string) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	format, err := logger.ParseFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	root, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: format})
	if err != nil {
		return err
	}
	defer root.Close()
	log := root.Logger

	log.Info().Msg("Starting hivecam gateway")
	for _, warn := range cfg.Warnings() {
		log.Warn().Msg(warn)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Media server first: nothing works without it.
	ms := mediaserver.New(cfg.MSWSURL, cfg.RequestTimeout, log)
	if err := ms.Connect(ctx); err != nil {
		return err
	}
	defer ms.Close()
	if err := ms.Ping(ctx); err != nil {
		return fmt.Errorf("media server did not answer ping: %w", err)
	}

	mqtt, err := mqttgw.New(cfg, log)
	if err != nil {
		return err
	}
	if err := mqtt.Connect(ctx); err != nil {
		return err
	}
	defer mqtt.Close()

	streams := stream.NewManager(cfg, ms, mqtt, log)
	hub := signaling.NewHub(cfg, ms, streams, log)
	streams.SetViewerHooks(hub.ReleaseForStream, hub.Count)

	if err := hub.Start(cfg.SignalingAddr()); err != nil {
		return fmt.Errorf("start signaling server: %w", err)
	}

	control := api.NewServer(cfg, streams, hub, ms, log)
	if err := control.Start(cfg.APIAddr()); err != nil {
		return fmt.Errorf("start control API: %w", err)
	}

	log.Info().
		Str("api", cfg.APIAddr()).
		Str("signaling", cfg.SignalingAddr()).
		Str("media_server", cfg.MSWSURL).
		Str("mqtt", cfg.BrokerURL()).
		Msg("Gateway ready")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Teardown order: stop accepting HTTP, drop viewers, stop sessions
	// (stop commands and pipeline releases need MQTT and MS still up),
	// then the transports.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := control.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control API shutdown failed")
	}
	if err := hub.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Signaling shutdown failed")
	}
	streams.StopAll(shutdownCtx)

	log.Info().Msg("Gateway stopped")
	return nil
}
