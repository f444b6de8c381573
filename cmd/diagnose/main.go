// Connectivity probe for the gateway's external collaborators: loads the
// configuration, dials the media server and the MQTT broker, and prints a
// pass/fail report. Run it on a box before deploying the gateway there.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethan/hivecam-gateway/pkg/config"
	"github.com/ethan/hivecam-gateway/pkg/logger"
	"github.com/ethan/hivecam-gateway/pkg/mediaserver"
	"github.com/ethan/hivecam-gateway/pkg/mqttgw"
)

const probeTimeout = 15 * time.Second

type check struct {
	name string
	err  error
}

func main() {
	envPath := flag.String("env", ".env", "path to optional .env file")
	flag.Parse()

	fmt.Println("=== hivecam gateway connectivity probe ===")
	fmt.Println()

	checks := runChecks(*envPath)

	failed := 0
	for _, c := range checks {
		if c.err != nil {
			failed++
			fmt.Printf("  ✗ %-28s %v\n", c.name, c.err)
		} else {
			fmt.Printf("  ✓ %-28s ok\n", c.name)
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("%d of %d checks failed\n", failed, len(checks))
		os.Exit(1)
	}
	fmt.Printf("all %d checks passed\n", len(checks))
}

func runChecks(envPath string) []check {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cfg, err := config.Load(envPath)
	checks := []check{{name: "configuration", err: err}}
	if err != nil {
		return checks
	}
	for _, warn := range cfg.Warnings() {
		fmt.Printf("  ! %s\n", warn)
	}

	root, err := logger.New(logger.Config{Level: "warn", Format: logger.FormatConsole})
	if err != nil {
		return append(checks, check{name: "logger", err: err})
	}
	defer root.Close()
	log := root.Logger

	ms := mediaserver.New(cfg.MSWSURL, cfg.RequestTimeout, log)
	dialErr := ms.Connect(ctx)
	checks = append(checks, check{name: "media server dial", err: dialErr})
	if dialErr == nil {
		defer ms.Close()
		checks = append(checks, check{name: "media server ping", err: ms.Ping(ctx)})
	}

	mqtt, err := mqttgw.New(cfg, log)
	checks = append(checks, check{name: "mqtt tls material", err: err})
	if err == nil {
		connErr := mqtt.Connect(ctx)
		checks = append(checks, check{name: "mqtt broker connect", err: connErr})
		if connErr == nil {
			mqtt.Close()
		}
	}

	return checks
}
