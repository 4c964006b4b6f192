package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"raft-engine/internal/raft/engine"
	"raft-engine/internal/raft/metrics"
	"raft-engine/internal/raft/server"
	"raft-engine/internal/raft/state_machine"
	"raft-engine/internal/raft/storage"
	"raft-engine/internal/raft/transport"
)

type node struct {
	srv     *server.Server
	store   *storage.BboltStore
	metrics *metrics.Metrics
	served  chan error
}

func main() {
	// Parse command-line flags
	clusterSize := flag.Int("cluster-size", 3, "Number of nodes in the cluster")
	numCommands := flag.Int("commands", 1000, "Number of commands to submit")
	concurrency := flag.Int("concurrency", 16, "Number of commands in flight at once")
	snapshotThreshold := flag.Uint64("snapshot-threshold", 500, "Applied entries between snapshots, 0 disables them")
	outputFile := flag.String("output", "", "Output JSON file for the leader's metrics (optional)")
	flag.Parse()

	if *clusterSize < 1 {
		log.Fatal("Cluster size must be at least 1")
	}

	fmt.Println("========================================")
	fmt.Println("RAFT PERFORMANCE BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Cluster Size: %d nodes\n", *clusterSize)
	fmt.Printf("Commands:     %d (%d in flight)\n", *numCommands, *concurrency)
	fmt.Println("========================================")

	dataDir, err := os.MkdirTemp("", "raft-benchmark-")
	if err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	defer os.RemoveAll(dataDir)

	nodes, err := startCluster(dataDir, *clusterSize, *snapshotThreshold)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer stopCluster(nodes)

	leader, err := waitForLeader(nodes, 10*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Leader elected: %s\n\n", leader.srv.ID)

	start := time.Now()
	failed := runBenchmark(leader.srv, *numCommands, *concurrency)
	elapsed := time.Since(start)

	fmt.Println("========================================")
	fmt.Println("BENCHMARK COMPLETE")
	fmt.Println("========================================")
	fmt.Printf("Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Failed:     %d\n", failed)
	fmt.Printf("Throughput: %.1f cmd/s\n", float64(*numCommands-int(failed))/elapsed.Seconds())

	report := leader.metrics.GetReport(string(leader.srv.ID))
	report.Print(os.Stdout)

	if *outputFile != "" {
		if err := report.SaveJSON(*outputFile); err != nil {
			log.Printf("Failed to save report: %v", err)
		} else {
			fmt.Printf("\nReport saved to %s\n", *outputFile)
		}
	}
}

func startCluster(dataDir string, size int, snapshotThreshold uint64) ([]*node, error) {
	listeners := make([]net.Listener, size)
	peers := make([]server.PeerConfig, size)
	for i := range size {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		listeners[i] = lis
		peers[i] = server.PeerConfig{ID: fmt.Sprintf("node-%d", i+1), Address: lis.Addr().String()}
	}

	nodes := make([]*node, 0, size)
	for i, lis := range listeners {
		cfg := server.DefaultConfig()
		cfg.ID = peers[i].ID
		cfg.ListenAddress = peers[i].Address
		cfg.AdvertiseAddress = peers[i].Address
		cfg.Peers = peers
		cfg.PreVote = true
		cfg.SnapshotThreshold = snapshotThreshold

		store, err := storage.NewBboltStore(filepath.Join(dataDir, cfg.ID+".db"))
		if err != nil {
			stopCluster(nodes)
			return nil, err
		}
		n := &node{store: store, metrics: metrics.NewMetrics(), served: make(chan error, 1)}
		n.srv, err = server.NewServer(cfg, server.Deps{
			StateStore:    store,
			LogStore:      store,
			SnapshotStore: store,
			StateMachine:  state_machine.NewKVStateMachine(cfg.ID),
			Transport:     transport.NewGRPCTransport(cfg.TransportOptions(n.metrics)),
			Metrics:       n.metrics,
		})
		if err != nil {
			store.Close()
			stopCluster(nodes)
			return nil, err
		}
		go func() { n.served <- n.srv.StartServer(lis) }()
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func stopCluster(nodes []*node) {
	for _, n := range nodes {
		n.srv.GracefulShutdown()
		if err := <-n.served; err != nil {
			log.Printf("Server %s stopped with error: %v", n.srv.ID, err)
		}
		n.store.Close()
	}
}

func waitForLeader(nodes []*node, timeout time.Duration) (*node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.srv.StateChange().Role == engine.Leader {
				return n, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, errors.New("no leader elected")
}

// runBenchmark submits numCommands to the leader, at most concurrency at a time, and returns how many failed.
func runBenchmark(leader *server.Server, numCommands, concurrency int) uint64 {
	var failed, done atomic.Uint64
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(concurrency)

	for i := range numCommands {
		g.Go(func() error {
			_, err := leader.Apply(ctx, []byte(fmt.Sprintf("SET key%d=value%d", i, i)))
			if err != nil {
				failed.Add(1)
				log.Printf("Command %d failed: %v", i, err)
			}
			if n := done.Add(1); n%100 == 0 {
				fmt.Printf("  %d/%d commands done\n", n, numCommands)
			}
			// A lost leadership ends the run; every other failure is counted.
			if errors.Is(err, server.ErrNotLeader) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("Benchmark stopped early: %v", err)
	}
	return failed.Load()
}
