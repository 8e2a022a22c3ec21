// Command vlgate runs the VLESS-over-WebSocket tunneling gateway: it
// loads configuration, wires the identity store, outbound dialer, tunnel
// engine, and HTTP dispatcher together, and serves. Configuration is
// parsed once at startup; there is no live config-reload surface.
package main

import (
	"flag"
	"net/http"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/Dreamacro/vlgate/config"
	"github.com/Dreamacro/vlgate/dialer"
	"github.com/Dreamacro/vlgate/gateway"
	"github.com/Dreamacro/vlgate/identity"
	"github.com/Dreamacro/vlgate/log"
	"github.com/Dreamacro/vlgate/tunnel"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (optional)")
	flag.Parse()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugln)); err != nil {
		log.Warnln("[Main] automaxprocs: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalln("[Main] configuration error: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	var dynamic identity.DynamicBackend
	if cfg.BoltPath != "" {
		backend, err := identity.OpenBolt(cfg.BoltPath)
		if err != nil {
			log.Fatalln("[Main] bolt backend: %v", err)
		}
		defer backend.Close()
		dynamic = backend
	}

	store, err := identity.New(cfg.UUID, dynamic)
	if err != nil {
		log.Fatalln("[Main] identity store: %v", err)
	}

	d := dialer.New(cfg.Timeouts.Connect, cfg.ProxyIP)

	deps := &gateway.Dependencies{
		Identity: store,
		Dialer:   d,
		EngineConfig: tunnel.Config{
			HeaderTimeout:  cfg.Timeouts.Header,
			ConnectTimeout: cfg.Timeouts.Connect,
			IdleTimeout:    cfg.Timeouts.Idle,
		},
	}

	log.Infoln("[Main] listening on %s", cfg.Listen)
	if err := http.ListenAndServe(cfg.Listen, gateway.Router(deps)); err != nil {
		log.Fatalln("[Main] server stopped: %v", err)
	}
}
