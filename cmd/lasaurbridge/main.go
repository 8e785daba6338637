package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/lasaur-bridge/internal/link"
	"github.com/shaunagostinho/lasaur-bridge/internal/server"
)

const version = "15.00-go"

func main() {
	configPath := flag.String("config", "/etc/lasaur-bridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :4444)")
	port := flag.String("port", "", "Serial port to use, skips auto-detection")
	match := flag.String("match", "", "Regexp used to auto-detect the controller port")
	list := flag.Bool("list", false, "List serial devices and exit")
	debug := flag.Bool("debug", false, "Log serial traffic")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Serial.Demo = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Serial.PortPath = *port
	}
	if *match != "" {
		cfg.Serial.Match = *match
	}
	if *debug {
		cfg.Serial.Debug = true
	}

	engine := link.New(cfg.LinkConfig(version))

	if *list {
		for _, name := range engine.ListDevices(cfg.Serial.BaudRate) {
			fmt.Println(name)
		}
		return
	}

	log.Printf("[main] lasaur-bridge %s starting", version)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	srv := server.New(cfg, engine)

	// Server starts regardless; the controller may be plugged in later
	if cfg.Serial.AutoConnect || cfg.Serial.Demo {
		go superviseLink(ctx, srv)
	}

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	srv.Close()
}

// connectable is satisfied by server.Server.
type connectable interface {
	Connect() error
	Connected() bool
}

// superviseLink keeps the controller attached, reconnecting after the
// engine drops the port.
func superviseLink(ctx context.Context, c connectable) {
	for ctx.Err() == nil {
		connectWithRetry(ctx, "serial", c, 10)

		ticker := time.NewTicker(time.Second)
		for c.Connected() && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		ticker.Stop()
		if ctx.Err() == nil {
			log.Printf("[serial] link lost, reconnecting")
		}
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
