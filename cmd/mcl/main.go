package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/milosgajdos/go-mcl/bridge"
	"github.com/milosgajdos/go-mcl/config"
	"github.com/milosgajdos/go-mcl/engine"
	"github.com/milosgajdos/go-mcl/field"
	"github.com/milosgajdos/go-mcl/transform"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	mapPath    = flag.String("map", "", "Path to map YAML file (overrides config)")
	broker     = flag.String("broker", "", "MQTT broker URL (overrides config)")
	seed       = flag.Uint64("seed", 0, "Random seed (overrides config, 0 keeps config)")
	writeCfg   = flag.String("write-config", "", "Write default config to the given path and exit")
)

func main() {
	flag.Parse()

	if *writeCfg != "" {
		if err := config.Save(*writeCfg, config.Default()); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *mapPath != "" {
		cfg.Map.Path = *mapPath
	}
	if *broker != "" {
		cfg.MQTT.Broker = *broker
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	if cfg.Map.Path == "" {
		log.Fatal("Map path is required")
	}
	if cfg.MQTT.Broker == "" {
		log.Fatal("MQTT broker is required")
	}

	grid, err := field.Load(cfg.Map.Path)
	if err != nil {
		log.Fatalf("Failed to load map: %v", err)
	}
	log.Printf("Loaded map %s: %d obstacle cells, bounds %v", cfg.Map.Path, len(grid.Obstacles()), grid.ObstacleBounds())

	odom := transform.NewOdomBuffer(cfg.Odom.History)

	// the bridge publishes engine snapshots and feeds the engine, so it is wired in two steps
	opts := bridge.NewClientOptions(cfg.MQTT)
	pub := &lazyPublisher{}

	e, err := engine.FromConfig(cfg, grid, odom, pub)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	var b *bridge.Bridge
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if b != nil {
			b.OnConnect(c)
		}
	})
	b, err = bridge.New(mqtt.NewClient(opts), cfg.MQTT, e, odom)
	if err != nil {
		log.Fatalf("Failed to create MQTT bridge: %v", err)
	}
	pub.b = b

	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start MQTT bridge: %v", err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Localization %s running with %d particles", e.RunID(), cfg.Particles)
	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("Engine stopped: %v", err)
	}

	s := e.Stats()
	log.Printf("Shutting down: %d observations processed, %d updates, %d dropped, %d expired, %d published",
		s.Processed, s.Updates, s.Dropped, s.Expired, b.Published())
}

// lazyPublisher forwards snapshots to the bridge once it exists.
type lazyPublisher struct {
	b *bridge.Bridge
}

func (p *lazyPublisher) Publish(s engine.Snapshot) error {
	if p.b == nil {
		return nil
	}
	return p.b.Publish(s)
}
