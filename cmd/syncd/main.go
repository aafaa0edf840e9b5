package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"entitysync/internal/app"
	"entitysync/internal/engine"
	"entitysync/internal/world"
)

// The baseline catalog for a fresh deployment. Embedders grow this per
// project; the wire protocol itself is component-agnostic.
type transformComponent struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

type metadataComponent struct {
	Name string   `json:"name"`
	Tags []string `json:"tags,omitempty"`
}

func main() {
	configPath := flag.String("config", os.Getenv("SYNCD_CONFIG"), "path to TOML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		ConfigPath: *configPath,
		Setup:      setup,
	}); err != nil {
		log.Fatalf("%v", err)
	}
}

func setup(eng *engine.Engine) error {
	registry := eng.Components()
	if err := registry.Register("transform", transformComponent{}); err != nil {
		return err
	}
	if err := registry.Register("metadata", metadataComponent{}, world.WithInvalidates("entitySearch")); err != nil {
		return err
	}

	// Handlers run on the writer loop, so reading the world here is safe.
	eng.RegisterHandler("describe", engine.RequestHandlerFunc(func(req engine.Request, respond engine.Respond) {
		if req.Entity == world.NoEntity {
			respond(nil, engine.ErrValidation)
			return
		}
		records := eng.World().ComponentsOf(req.Entity)
		payload, err := json.Marshal(struct {
			Entity     world.Entity   `json:"entity"`
			Components []world.Record `json:"components"`
		}{Entity: req.Entity, Components: records})
		respond(payload, err)
	}))
	return nil
}
