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
	"sync"
	"syscall"
	"time"

	"raft-engine/internal/raft/metrics"
	"raft-engine/internal/raft/server"
	"raft-engine/internal/raft/state_machine"
	"raft-engine/internal/raft/storage"
	"raft-engine/internal/raft/transport"
)

// app runs a whole cluster in one process on consecutive local ports, e.g. to try the client against.
func main() {
	clusterSize := flag.Int("cluster-size", 3, "Number of servers in the cluster")
	basePort := flag.Int("port", 50051, "Port of the first server")
	dataDir := flag.String("data", "./data", "Directory holding one bbolt database per server")
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	// Reserve addresses for the cluster
	peers := reservePeers(*clusterSize, *basePort)

	// Create all servers in the cluster
	servers, closers := createCluster(peers, *dataDir)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Start graceful shutdown monitoring before bootCluster blocks
	go listenForShutdown(servers, done)

	// This will block until every server stopped serving
	bootCluster(servers, peers)

	// Wait for the graceful shutdown to complete
	<-done
}

func reservePeers(clusterSize int, basePort int) []server.PeerConfig {
	var peers []server.PeerConfig
	for i := 0; i < clusterSize; i++ {
		peers = append(peers, server.PeerConfig{
			ID:      fmt.Sprintf("node-%d", i+1),
			Address: fmt.Sprintf("localhost:%d", basePort+i),
		})
	}
	return peers
}

func createCluster(peers []server.PeerConfig, dataDir string) ([]*server.Server, []func()) {
	var (
		servers []*server.Server
		closers []func()
	)
	for _, p := range peers {
		cfg := server.DefaultConfig()
		cfg.ID = p.ID
		cfg.ListenAddress = p.Address
		cfg.AdvertiseAddress = p.Address
		cfg.Peers = peers
		cfg.PreVote = true
		cfg.SnapshotThreshold = 1000

		store, err := storage.NewBboltStore(filepath.Join(dataDir, p.ID+".db"))
		if err != nil {
			log.Fatalf("Failed to open storage of %s: %v", p.ID, err)
		}
		closers = append(closers, func() { store.Close() })

		collector := metrics.NewMetrics()
		srv, err := server.NewServer(cfg, server.Deps{
			StateStore:    store,
			LogStore:      store,
			SnapshotStore: store,
			StateMachine:  state_machine.NewKVStateMachine(p.ID),
			Transport:     transport.NewGRPCTransport(cfg.TransportOptions(collector)),
			Metrics:       collector,
		})
		if err != nil {
			log.Fatalf("Failed to create server %s: %v", p.ID, err)
		}
		servers = append(servers, srv)
	}
	return servers, closers
}

func bootCluster(servers []*server.Server, peers []server.PeerConfig) {
	var wg sync.WaitGroup

	for i, srv := range servers {
		lis, err := net.Listen("tcp", peers[i].Address)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", peers[i].Address, err)
		}

		wg.Add(1)
		go func(s *server.Server) {
			defer wg.Done()
			if err := s.StartServer(lis); err != nil {
				log.Printf("Server %v failed to boot due to err: %v", s.ID, err)
			}
		}(srv)
	}
	log.Printf("Started %d servers - cluster is electing a leader", len(servers))

	wg.Wait()
}

func listenForShutdown(servers []*server.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Block the thread until an interrupt signal is received.
	<-signalCtx.Done()

	log.Println("Shutting down gracefully, press Ctrl+C again to force")
	stop() // Disable signal handler so second Ctrl+C will force immediate exit of the process via the OS

	// All servers have 5 seconds to finish the requests they are currently handling
	forceShutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Race the shutdown completion against the timeout
	select {
	case <-gracefullyShutdownCluster(servers):
		log.Println("All servers shutdown gracefully")
	case <-forceShutdownCtx.Done():
		log.Println("Graceful shutdown timeout reached, exiting anyway")
		os.Exit(1)
	}

	log.Println("Cluster exiting")
	done <- true
}

func gracefullyShutdownCluster(servers []*server.Server) chan struct{} {
	var wg sync.WaitGroup

	// Gracefully Shutdown all servers in a concurrent manner
	for _, raftServer := range servers {
		wg.Add(1)
		go func(s *server.Server) {
			defer wg.Done()
			s.GracefulShutdown()
		}(raftServer)
	}

	// Convert the blocking WaitGroup.Wait() to a channel signal
	gracefulShutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(gracefulShutdownDone)
	}()

	return gracefulShutdownDone
}
