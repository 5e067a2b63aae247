/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// eventcored is the process entry point: it wires a storage backend, WAL,
// LSM index, stream reader/writer, subscriber hub, consensus node, and
// process manager together into one running node. Wire encoding, auth, and
// an operational CLI are explicit non-goals; this binary's own surface is
// a handful of flags and the debug tail HTTP view.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dc0d/onexit"

	"github.com/launix-de/eventcore/config"
	"github.com/launix-de/eventcore/consensus"
	"github.com/launix-de/eventcore/fs"
	"github.com/launix-de/eventcore/index"
	"github.com/launix-de/eventcore/lsm"
	"github.com/launix-de/eventcore/process"
	"github.com/launix-de/eventcore/stream"
	"github.com/launix-de/eventcore/subscribe"
	"github.com/launix-de/eventcore/telemetry"
	"github.com/launix-de/eventcore/wal"
)

func main() {
	fmt.Print(`eventcored Copyright (C) 2023-2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)
	onexit.Exit(run())
}

func run() int {
	log := telemetry.NewStdLogger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Errorf("config: %v", err)
		return 1
	}

	backend, err := openBackend(cfg)
	if err != nil {
		log.Errorf("storage backend: %v", err)
		return 1
	}

	walLog, err := wal.Open(backend, cfg.ChunkSize)
	if err != nil {
		log.Errorf("wal.Open: %v", err)
		return 1
	}
	lsmIdx, err := lsm.Open(backend, lsm.Options{ColdTierLevel: cfg.ColdTier})
	if err != nil {
		log.Errorf("lsm.Open: %v", err)
		return 1
	}
	idx, err := index.Open(walLog, lsmIdx)
	if err != nil {
		log.Errorf("index.Open: %v", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	indexerDone := make(chan error, 1)
	go func() { indexerDone <- idx.Run(ctx, 25*time.Millisecond) }()

	writer := stream.NewWriter(walLog, idx)
	reader := stream.NewReader(walLog, idx)
	hub := subscribe.NewHub()

	mgr := process.NewManager()
	mgr.RegisterKind("writer", process.SingletonSpawn{FixedID: 1}, writerWorker(writer, hub, log))
	if _, err := mgr.Spawn("writer", 0); err != nil {
		log.Errorf("spawn writer: %v", err)
		return 1
	}

	node := startConsensus(cfg, log)
	defer node.Stop()

	onexit.Register(func() {
		mgr.Shutdown()
	})

	mux := http.NewServeMux()
	mux.Handle("/tail", &subscribe.DebugTailHandler{Hub: hub})
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe() }()
	log.Infof("eventcored node %q listening on %s (backend=%s, peers=%v)", cfg.NodeID, cfg.ListenAddr, cfg.Backend, cfg.Peers)

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-indexerDone:
		if err != nil && err != context.Canceled {
			log.Errorf("indexer stopped: %v", err)
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("debug tail listener stopped: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	mgr.Shutdown()
	_ = reader // reserved for the read_stream API a transport layer would expose

	return 0
}

func openBackend(cfg config.Config) (fs.Backend, error) {
	switch cfg.Backend {
	case "", "disk":
		return fs.NewDisk(cfg.DataDir), nil
	case "mem":
		return fs.NewMem(), nil
	case "s3":
		return fs.NewS3(fs.S3Config{
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
		}), nil
	case "ceph":
		return fs.NewCeph(fs.CephConfig{
			Pool:     cfg.CephPool,
			ConfFile: cfg.CephConf,
			Prefix:   cfg.NodeID,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want disk, mem, s3, or ceph)", cfg.Backend)
	}
}

// startConsensus wires a consensus.Node for this node's fixed peer set.
// loopbackTransport is a placeholder: real inter-node RPC wire encoding is
// an explicit non-goal, so a multi-node deployment supplies its own
// consensus.Transport that actually reaches the addresses in cfg.Peers.
func startConsensus(cfg config.Config, log telemetry.Logger) *consensus.Node {
	transport := &loopbackTransport{log: log}
	node := consensus.NewNode(consensus.Config{
		ID:                  cfg.NodeID,
		Peers:               cfg.Peers,
		ElectionTimeoutLow:  time.Duration(cfg.ElectionTimeoutLowMS) * time.Millisecond,
		ElectionTimeoutHigh: time.Duration(cfg.ElectionTimeoutHighMS) * time.Millisecond,
		HeartbeatInterval:   time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
	}, transport)
	return node
}

// loopbackTransport logs every RPC it would have sent instead of actually
// reaching a peer over the network. A single-node cluster (no Peers
// configured) never calls it at all, since it has no peers to broadcast to;
// it exists so consensus.Node compiles and runs standalone without this
// binary taking on a wire protocol of its own.
type loopbackTransport struct {
	log telemetry.Logger
}

func (t *loopbackTransport) SendRequestVote(peer string, req consensus.RequestVoteRequest, onReply func(consensus.RequestVoteReply)) {
	t.log.Warnf("consensus: no transport wired to peer %q; RequestVote(term=%d) undelivered", peer, req.Term)
}

func (t *loopbackTransport) SendAppendEntries(peer string, req consensus.AppendEntriesRequest, onReply func(consensus.AppendEntriesReply)) {
	t.log.Warnf("consensus: no transport wired to peer %q; AppendEntries(term=%d) undelivered", peer, req.Term)
}
