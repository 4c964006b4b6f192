package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"raft-engine/internal/raft/proto"
	"raft-engine/internal/raft/transport"
)

const usage = `Usage: client [flags] <command> [args]

Commands:
  status                 show the view of the server
  propose <command>      submit a command, e.g. propose "SET key=value"
  read                   run a ReadIndex round
  add <id> <host:port>   add a server to the cluster
  remove <id>            remove a server from the cluster

Flags:
`

func main() {
	// Command line flags
	serverAddr := flag.String("server", "localhost:50051", "Server address to connect to")
	timeout := flag.Duration("timeout", 10*time.Second, "Deadline of the request")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, conn, err := transport.Dial(*serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, client proto.RaftServiceClient, command string, args []string) error {
	switch command {
	case "status":
		resp, err := client.Status(ctx, &proto.StatusRequest{})
		if err != nil {
			return err
		}
		fmt.Printf("Node:         %s\n", resp.NodeId)
		fmt.Printf("Role:         %s\n", resp.Role)
		fmt.Printf("Term:         %d\n", resp.Term)
		fmt.Printf("Leader:       %s\n", resp.LeaderId)
		fmt.Printf("Commit index: %d\n", resp.CommitIndex)
		fmt.Printf("Last applied: %d\n", resp.LastApplied)
		fmt.Println("Members:")
		for _, m := range resp.Members {
			fmt.Printf("  %s\t%s\n", m.Id, m.Address)
		}
		return nil

	case "propose":
		if len(args) == 0 {
			return fmt.Errorf("missing command")
		}
		resp, err := client.Propose(ctx, &proto.ProposeRequest{Command: []byte(strings.Join(args, " "))})
		if err != nil {
			return err
		}
		if !resp.Success {
			return notLeader(resp.LeaderId)
		}
		fmt.Printf("Committed at index %d in term %d\n", resp.Index, resp.Term)
		return nil

	case "read":
		resp, err := client.ReadIndex(ctx, &proto.ReadIndexRequest{})
		if err != nil {
			return err
		}
		if !resp.Success {
			return notLeader(resp.LeaderId)
		}
		fmt.Printf("Reads are linearizable at index %d\n", resp.ReadIndex)
		return nil

	case "add", "remove":
		req := &proto.ConfigurationChangeRequest{Type: proto.ConfigChangeType_REMOVE_SERVER}
		switch {
		case command == "add" && len(args) == 2:
			req.Type = proto.ConfigChangeType_ADD_SERVER
			req.ServerId, req.ServerAddress = args[0], args[1]
		case command == "remove" && len(args) == 1:
			req.ServerId = args[0]
		default:
			return fmt.Errorf("wrong number of arguments")
		}
		resp, err := client.ChangeConfiguration(ctx, req)
		if err != nil {
			return err
		}
		switch resp.Status {
		case proto.ConfigChangeStatus_OK:
			fmt.Printf("%s %s: done\n", req.Type, req.ServerId)
			return nil
		case proto.ConfigChangeStatus_NOT_LEADER:
			return notLeader(resp.LeaderId)
		default:
			return fmt.Errorf("%s: %s", resp.Status, resp.Reason)
		}

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func notLeader(leaderID string) error {
	if leaderID == "" {
		return fmt.Errorf("server is not the leader and knows no leader; try another server")
	}
	return fmt.Errorf("server is not the leader; the leader is %s (see its address with status)", leaderID)
}
