package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer runs NATS with JetStream in-process so a single binary can take
// jobs and hold artifacts without external infrastructure.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil when embedded mode is disabled. A port of -1 picks a
// free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: "loqa-voice",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", cfg.StoreDir))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients in this process should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
