package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"raft-engine/internal/raft/metrics"
	"raft-engine/internal/raft/server"
	"raft-engine/internal/raft/state_machine"
	"raft-engine/internal/raft/storage"
	"raft-engine/internal/raft/transport"
)

func main() {
	// Command line flags. Flags override the config file.
	configPath := flag.String("config", "", "Path to a YAML config file")
	id := flag.String("id", "", "Server ID (generated if neither the flag nor the config sets it)")
	listen := flag.String("listen", "", "Address to serve the Raft gRPC service on")
	advertise := flag.String("advertise", "", "Address peers dial, defaults to -listen")
	dataDir := flag.String("data", "", "Directory holding the bbolt database")
	peers := flag.String("peers", "", "Initial members as id=host:port,id=host:port")
	join := flag.Bool("join", false, "Start outside the membership and wait to be added by the leader")
	preVote := flag.Bool("prevote", false, "Run a pre-vote round before each election")
	metricsFile := flag.String("metrics", "", "Write a JSON metrics report here on shutdown")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.ID = *id
		case "listen":
			if cfg.AdvertiseAddress == cfg.ListenAddress {
				cfg.AdvertiseAddress = *listen
			}
			cfg.ListenAddress = *listen
		case "advertise":
			cfg.AdvertiseAddress = *advertise
		case "data":
			cfg.DataDir = *dataDir
		case "peers":
			cfg.Peers, err = parsePeers(*peers)
		case "join":
			cfg.Join = *join
		case "prevote":
			cfg.PreVote = *preVote
		case "metrics":
			cfg.MetricsFile = *metricsFile
		}
	})
	if err != nil {
		log.Fatalf("Invalid -peers: %v", err)
	}
	cfg.ApplyDefaults()
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join("data", cfg.ID)
	}

	// Create data directory for the BBolt database
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	store, err := storage.NewBboltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.ListenAddress, err)
	}
	// A :0 listen address only gets its port now.
	if strings.HasSuffix(cfg.AdvertiseAddress, ":0") {
		cfg.AdvertiseAddress = lis.Addr().String()
	}

	collector := metrics.NewMetrics()
	srv, err := server.NewServer(cfg, server.Deps{
		StateStore:    store,
		LogStore:      store,
		SnapshotStore: store,
		StateMachine:  state_machine.NewKVStateMachine(cfg.ID),
		Transport:     transport.NewGRPCTransport(cfg.TransportOptions(collector)),
		Metrics:       collector,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	log.Printf("Server ID: %s", srv.ID)
	log.Printf("Server Address: %s", srv.Address)
	if cfg.Join {
		log.Printf("Waiting to be added to the cluster; ask the leader to add %s at %s", srv.ID, srv.Address)
	}

	served := make(chan error, 1)
	go func() { served <- srv.StartServer(lis) }()

	// Wait for shutdown signal
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-signalCtx.Done():
		log.Println("Shutting down...")
		srv.GracefulShutdown()
	case err := <-served:
		if err != nil {
			log.Printf("Server stopped serving: %v", err)
		}
		srv.ForceShutdown()
	}

	if cfg.MetricsFile != "" {
		report := collector.GetReport(string(srv.ID))
		report.Print(os.Stdout)
		if err := report.SaveJSON(cfg.MetricsFile); err != nil {
			log.Printf("Failed to save metrics: %v", err)
		}
	}
	log.Println("Server stopped")
}

func loadConfig(path string) (server.Config, error) {
	if path == "" {
		return server.Config{}, nil
	}
	return server.LoadConfig(path)
}

func parsePeers(s string) ([]server.PeerConfig, error) {
	var peers []server.PeerConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%q is not id=host:port", part)
		}
		peers = append(peers, server.PeerConfig{ID: id, Address: addr})
	}
	return peers, nil
}
