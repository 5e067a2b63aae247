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

// Package config is the ambient configuration for an eventcored node: a
// data directory, a storage backend choice, the node's own id, its fixed
// peer set, and tuning knobs for the WAL/LSM layers underneath it. Flags
// take precedence over a ".env" file of the same keys, which takes
// precedence over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

// Config is everything cmd/eventcored needs to wire one node's storage,
// replication, and network identity together.
type Config struct {
	DataDir     string // base directory for the disk backend; unused by mem/s3/ceph
	Backend     string // "disk", "mem", "s3", or "ceph"
	ChunkSize   int64  // WAL chunk payload size in bytes
	ColdTier    int    // first LSM level compressed with xz; 0 disables cold-tier compression

	NodeID                string
	Peers                 []string // every other node's address in the fixed peer set
	ElectionTimeoutLowMS  int
	ElectionTimeoutHighMS int
	HeartbeatIntervalMS   int

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	CephPool string
	CephConf string

	ListenAddr string // debug tail HTTP listener
}

// defaults mirror the zero-value behavior the underlying packages already
// fall back to (wal.DefaultChunkSize, lsm's internal defaults, consensus's
// withDefaults) wherever leaving a field at 0 would do the same thing; they
// are spelled out here anyway so `-help` and a generated `.env` are honest
// about what the node will actually do.
const (
	defaultBackend         = "disk"
	defaultChunkSize int64 = 256 * 1024 * 1024
	defaultElectionLowMS   = 150
	defaultElectionHighMS  = 300
	defaultHeartbeatMS     = 50
	defaultListenAddr      = ":8089"
)

// Load parses command-line flags, falling back to a ".env" file (if
// present) and then to built-in defaults for anything neither supplies.
// args is normally os.Args[1:].
func Load(args []string) (Config, error) {
	_ = godotenv.Load() // best-effort; a missing .env is not an error

	fs := flag.NewFlagSet("eventcored", flag.ContinueOnError)

	dataDir := fs.String("data-dir", envStr("EVENTCORE_DATA_DIR", "./data"), "base directory for the disk storage backend")
	backend := fs.String("backend", envStr("EVENTCORE_BACKEND", defaultBackend), "storage backend: disk, mem, s3, or ceph")
	chunkSize := fs.Int64("chunk-size", envInt64("EVENTCORE_CHUNK_SIZE", defaultChunkSize), "WAL chunk payload size in bytes")
	coldTier := fs.Int("cold-tier-level", envInt("EVENTCORE_COLD_TIER_LEVEL", 0), "first LSM level written with xz compression (0 disables)")

	nodeID := fs.String("node-id", envStr("EVENTCORE_NODE_ID", ""), "this node's id in the fixed peer set")
	peersCSV := fs.String("peers", envStr("EVENTCORE_PEERS", ""), "comma-separated addresses of every other node in the cluster")
	electionLow := fs.Int("election-timeout-low-ms", envInt("EVENTCORE_ELECTION_TIMEOUT_LOW_MS", defaultElectionLowMS), "lower bound of the randomized election timeout, in milliseconds")
	electionHigh := fs.Int("election-timeout-high-ms", envInt("EVENTCORE_ELECTION_TIMEOUT_HIGH_MS", defaultElectionHighMS), "upper bound of the randomized election timeout, in milliseconds")
	heartbeat := fs.Int("heartbeat-interval-ms", envInt("EVENTCORE_HEARTBEAT_INTERVAL_MS", defaultHeartbeatMS), "leader heartbeat/replication tick interval, in milliseconds")

	s3Bucket := fs.String("s3-bucket", envStr("EVENTCORE_S3_BUCKET", ""), "S3 bucket (backend=s3)")
	s3Region := fs.String("s3-region", envStr("EVENTCORE_S3_REGION", ""), "S3 region (backend=s3)")
	s3Endpoint := fs.String("s3-endpoint", envStr("EVENTCORE_S3_ENDPOINT", ""), "custom S3-compatible endpoint (backend=s3)")
	s3Prefix := fs.String("s3-prefix", envStr("EVENTCORE_S3_PREFIX", ""), "object key prefix (backend=s3)")

	cephPool := fs.String("ceph-pool", envStr("EVENTCORE_CEPH_POOL", ""), "RADOS pool (backend=ceph)")
	cephConf := fs.String("ceph-conf", envStr("EVENTCORE_CEPH_CONF", ""), "ceph.conf path (backend=ceph)")

	listenAddr := fs.String("listen", envStr("EVENTCORE_LISTEN", defaultListenAddr), "address the debug tail view listens on")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var peers []string
	if *peersCSV != "" {
		for _, p := range strings.Split(*peersCSV, ",") {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
	}

	if *nodeID == "" {
		return Config{}, fmt.Errorf("config: -node-id (or EVENTCORE_NODE_ID) is required")
	}

	return Config{
		DataDir:               *dataDir,
		Backend:               *backend,
		ChunkSize:             *chunkSize,
		ColdTier:              *coldTier,
		NodeID:                *nodeID,
		Peers:                 peers,
		ElectionTimeoutLowMS:  *electionLow,
		ElectionTimeoutHighMS: *electionHigh,
		HeartbeatIntervalMS:   *heartbeat,
		S3Bucket:              *s3Bucket,
		S3Region:              *s3Region,
		S3Endpoint:            *s3Endpoint,
		S3Prefix:              *s3Prefix,
		CephPool:              *cephPool,
		CephConf:              *cephConf,
		ListenAddr:            *listenAddr,
	}, nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
