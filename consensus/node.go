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
package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is a node's Raft role.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

// ReplicaState is the Leader's view of one peer's log progress.
type ReplicaState struct {
	NextIndex     uint64
	MatchIndex    uint64
	BatchEndIndex uint64
}

// Config is a node's fixed, immutable-for-its-lifetime parameters.
type Config struct {
	ID                  string
	Peers               []string // every other node in the fixed peer set, excluding ID
	ElectionTimeoutLow  time.Duration
	ElectionTimeoutHigh time.Duration
	HeartbeatInterval   time.Duration
	BatchCeiling        int // max entries per AppendEntries; 0 defaults to 500
}

func (c Config) withDefaults() Config {
	if c.BatchCeiling <= 0 {
		c.BatchCeiling = 500
	}
	if c.ElectionTimeoutHigh <= c.ElectionTimeoutLow {
		panic("consensus: ElectionTimeoutHigh must exceed ElectionTimeoutLow (non-degenerate range)")
	}
	return c
}

// inflightCommand is a Command() caller waiting for its entry to commit.
type inflightCommand struct {
	index uint64
	term  uint64
	done  chan error
}

// CommandRejected is returned by Command when the node is not the Leader.
type CommandRejected struct {
	LeaderHint string // best-known current leader, "" if unknown
}

func (e *CommandRejected) Error() string { return "consensus: not leader" }

// Node is one replica's Raft state machine. All transitions run under a
// single mutex: the state is small and transitions are fast, so a state
// machine reached by message dispatch does not benefit from finer-grained
// locking, and a single lock rules out the torn-update races Raft's exact
// comparisons depend on.
type Node struct {
	cfg       Config
	transport Transport
	sched     *scheduler

	mu           sync.Mutex
	term         uint64
	state        State
	votedFor     string
	commitIndex  uint64
	log          *log
	replicas     map[string]*ReplicaState
	tally        map[string]struct{}
	lastLeader   string
	electionTask uint64
	heartbeats   map[string]uint64 // peer -> scheduled heartbeat task id, Leader only
	inflight     []*inflightCommand

	onCommit func(Entry) // optional: invoked (unlocked) once an entry commits
}

// NewNode constructs a Follower and arms its first randomized election
// timeout.
func NewNode(cfg Config, transport Transport) *Node {
	cfg = cfg.withDefaults()
	n := &Node{
		cfg:        cfg,
		transport:  transport,
		log:        newLog(),
		replicas:   make(map[string]*ReplicaState),
		heartbeats: make(map[string]uint64),
	}
	n.sched = newScheduler(n)
	n.mu.Lock()
	n.resetElectionTimeoutLocked()
	n.mu.Unlock()
	return n
}

// OnCommit registers a callback invoked once per committed entry, in
// index order. Not required: a single-node deployment can poll CommitIndex.
func (n *Node) OnCommit(fn func(Entry)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onCommit = fn
}

// Stop tears down the node's scheduler goroutine.
func (n *Node) Stop() {
	n.sched.stop()
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

func (n *Node) randomElectionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutHigh - n.cfg.ElectionTimeoutLow
	return n.cfg.ElectionTimeoutLow + time.Duration(rand.Int63n(int64(span)))
}

// resetElectionTimeoutLocked cancels any pending election-timeout check and
// schedules a fresh one at a freshly randomized delay. Must hold n.mu.
func (n *Node) resetElectionTimeoutLocked() {
	if n.electionTask != 0 {
		n.sched.cancelLocked(n.electionTask)
	}
	if n.state == Leader {
		return // Leader has no election timeout; heartbeats keep peers current instead
	}
	n.electionTask = n.sched.armElectionTimeoutLocked(n.randomElectionTimeout())
}

func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	if n.state == Leader {
		n.mu.Unlock()
		return
	}
	n.state = Candidate
	n.term++
	n.votedFor = n.cfg.ID
	n.tally = map[string]struct{}{n.cfg.ID: {}}
	lastIndex := n.log.lastIndex()
	lastTerm, _ := n.log.termAt(lastIndex)
	term := n.term
	n.resetElectionTimeoutLocked()
	becameLeader := n.maybeBecomeLeaderLocked() // a lone node's own vote is already a majority
	n.mu.Unlock()

	if becameLeader {
		n.broadcastAppendEntriesNow()
		return
	}

	req := RequestVoteRequest{Term: term, CandidateID: n.cfg.ID, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	n.broadcastRequestVote(req)
}

func (n *Node) broadcastRequestVote(req RequestVoteRequest) {
	var g errgroup.Group
	for _, peer := range n.cfg.Peers {
		peer := peer
		g.Go(func() error {
			n.transport.SendRequestVote(peer, req, func(reply RequestVoteReply) {
				n.VoteReceived(reply)
			})
			return nil
		})
	}
	_ = g.Wait()
}

// RequestVote handles an incoming vote request.
func (n *Node) RequestVote(req RequestVoteRequest) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return RequestVoteReply{VoterID: n.cfg.ID, Term: n.term, Granted: false}
	}
	if req.Term > n.term {
		n.adoptTermLocked(req.Term)
	}

	ourLastTerm, _ := n.log.termAt(n.log.lastIndex())
	upToDate := req.LastLogTerm > ourLastTerm ||
		(req.LastLogTerm == ourLastTerm && req.LastLogIndex >= n.log.lastIndex())

	alreadyVoted := n.votedFor != "" && n.votedFor != req.CandidateID
	if alreadyVoted || !upToDate {
		return RequestVoteReply{VoterID: n.cfg.ID, Term: n.term, Granted: false}
	}

	n.votedFor = req.CandidateID
	n.state = Follower
	n.resetElectionTimeoutLocked()
	return RequestVoteReply{VoterID: n.cfg.ID, Term: n.term, Granted: true}
}

// adoptTermLocked moves to a newer term, clearing the vote. Must hold n.mu.
func (n *Node) adoptTermLocked(term uint64) {
	n.term = term
	n.votedFor = ""
	n.state = Follower
	n.stopHeartbeatsLocked()
}

// VoteReceived processes one peer's RequestVote reply.
func (n *Node) VoteReceived(reply RequestVoteReply) {
	n.mu.Lock()

	if reply.Term > n.term {
		n.adoptTermLocked(reply.Term)
		n.resetElectionTimeoutLocked()
		n.mu.Unlock()
		return
	}
	if reply.Term < n.term || n.state != Candidate || !reply.Granted {
		n.mu.Unlock()
		return
	}

	n.tally[reply.VoterID] = struct{}{}
	becameLeader := n.maybeBecomeLeaderLocked()
	n.mu.Unlock()

	if becameLeader {
		n.broadcastAppendEntriesNow()
	}
}

// maybeBecomeLeaderLocked transitions Candidate to Leader once tally holds a
// majority of the fixed peer set (self included). Returns whether it did.
// Must hold n.mu.
func (n *Node) maybeBecomeLeaderLocked() bool {
	if n.state != Candidate {
		return false
	}
	majority := (len(n.cfg.Peers)+1)/2 + 1
	if len(n.tally) < majority {
		return false
	}

	n.state = Leader
	n.lastLeader = n.cfg.ID
	lastIndex := n.log.lastIndex()
	n.replicas = make(map[string]*ReplicaState, len(n.cfg.Peers))
	for _, peer := range n.cfg.Peers {
		n.replicas[peer] = &ReplicaState{NextIndex: lastIndex + 1, MatchIndex: 0}
	}
	if n.electionTask != 0 {
		n.sched.cancelLocked(n.electionTask)
		n.electionTask = 0
	}
	n.armHeartbeatsLocked()
	return true
}

// armHeartbeatsLocked schedules the first heartbeat tick to every peer. Must
// hold n.mu; only valid while Leader.
func (n *Node) armHeartbeatsLocked() {
	for _, peer := range n.cfg.Peers {
		n.scheduleHeartbeatLocked(peer)
	}
}

func (n *Node) scheduleHeartbeatLocked(peer string) {
	n.heartbeats[peer] = n.sched.armHeartbeatLocked(peer, n.cfg.HeartbeatInterval)
}

func (n *Node) stopHeartbeatsLocked() {
	for peer, id := range n.heartbeats {
		n.sched.cancelLocked(id)
		delete(n.heartbeats, peer)
	}
}

// tickPeer sends one AppendEntries batch to peer and reschedules itself;
// this is the Leader's per-peer heartbeat/replication clock.
func (n *Node) tickPeer(peer string) {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	req, ok := n.buildAppendEntriesLocked(peer)
	n.scheduleHeartbeatLocked(peer)
	n.mu.Unlock()
	if !ok {
		return
	}
	n.transport.SendAppendEntries(peer, req, func(reply AppendEntriesReply) {
		n.EntriesAppended(reply)
	})
}

func (n *Node) buildAppendEntriesLocked(peer string) (AppendEntriesRequest, bool) {
	repl, ok := n.replicas[peer]
	if !ok {
		return AppendEntriesRequest{}, false
	}
	prevIndex := repl.NextIndex - 1
	prevTerm, ok := n.log.termAt(prevIndex)
	if !ok {
		return AppendEntriesRequest{}, false
	}
	entries := n.log.entriesFrom(repl.NextIndex, n.cfg.BatchCeiling)
	batchEnd := prevIndex
	if len(entries) > 0 {
		batchEnd = entries[len(entries)-1].Index
	}
	repl.BatchEndIndex = batchEnd
	return AppendEntriesRequest{
		Term:         n.term,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}, true
}

// broadcastAppendEntriesNow sends an immediate batch to every peer, used
// right after winning an election instead of waiting for the first
// heartbeat tick.
func (n *Node) broadcastAppendEntriesNow() {
	var g errgroup.Group
	for _, peer := range n.cfg.Peers {
		peer := peer
		g.Go(func() error {
			n.mu.Lock()
			req, ok := n.buildAppendEntriesLocked(peer)
			n.mu.Unlock()
			if !ok {
				return nil
			}
			n.transport.SendAppendEntries(peer, req, func(reply AppendEntriesReply) {
				n.EntriesAppended(reply)
			})
			return nil
		})
	}
	_ = g.Wait()
}

// AppendEntries handles an incoming replication/heartbeat request.
func (n *Node) AppendEntries(req AppendEntriesRequest) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return AppendEntriesReply{NodeID: n.cfg.ID, Term: n.term, Success: false}
	}
	if req.Term > n.term {
		n.adoptTermLocked(req.Term)
	}
	n.state = Follower
	n.lastLeader = req.LeaderID
	n.resetElectionTimeoutLocked()

	if !n.log.matches(req.PrevLogIndex, req.PrevLogTerm) {
		return AppendEntriesReply{NodeID: n.cfg.ID, Term: n.term, Success: false}
	}

	n.log.appendAfter(req.PrevLogIndex, req.Entries)

	lastNew := req.PrevLogIndex
	if len(req.Entries) > 0 {
		lastNew = req.Entries[len(req.Entries)-1].Index
	}
	if req.LeaderCommit > n.commitIndex {
		newCommit := req.LeaderCommit
		if lastNew < newCommit {
			newCommit = lastNew
		}
		n.advanceCommitLocked(newCommit)
	}

	return AppendEntriesReply{NodeID: n.cfg.ID, Term: n.term, Success: true, BatchEndIndex: lastNew}
}

// EntriesAppended processes one peer's AppendEntries reply.
func (n *Node) EntriesAppended(reply AppendEntriesReply) {
	n.mu.Lock()

	if reply.Term > n.term {
		n.adoptTermLocked(reply.Term)
		n.resetElectionTimeoutLocked()
		n.mu.Unlock()
		return
	}
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	repl, ok := n.replicas[reply.NodeID]
	if !ok {
		n.mu.Unlock()
		return
	}

	if reply.Success {
		if reply.BatchEndIndex > repl.MatchIndex {
			repl.MatchIndex = reply.BatchEndIndex
		}
		repl.NextIndex = repl.MatchIndex + 1
		n.maybeAdvanceCommitLocked()
	} else {
		if repl.NextIndex > 1 {
			repl.NextIndex--
		}
	}
	n.mu.Unlock()
}

// maybeAdvanceCommitLocked recomputes the highest index replicated on a
// majority of replicas (counting self, always fully caught up) and commits
// up to it if that is higher than the current commit_index. Must hold n.mu.
func (n *Node) maybeAdvanceCommitLocked() {
	matchIndexes := make([]uint64, 0, len(n.replicas)+1)
	matchIndexes = append(matchIndexes, n.log.lastIndex()) // self
	for _, repl := range n.replicas {
		matchIndexes = append(matchIndexes, repl.MatchIndex)
	}
	majority := (len(matchIndexes))/2 + 1
	// The Nth highest value across matchIndexes, sorted descending, sitting
	// at position majority-1, is replicated to at least a majority.
	sorted := append([]uint64(nil), matchIndexes...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	candidate := sorted[majority-1]
	if candidate <= n.commitIndex {
		return
	}
	// Raft safety: a Leader only commits entries from its own term directly.
	if term, ok := n.log.termAt(candidate); !ok || term != n.term {
		return
	}
	n.advanceCommitLocked(candidate)
}

// advanceCommitLocked raises commit_index to index and dispatches every
// inflight command now covered by it, in order. Must hold n.mu.
func (n *Node) advanceCommitLocked(index uint64) {
	if index <= n.commitIndex {
		return
	}
	first := n.commitIndex + 1
	n.commitIndex = index

	var toNotify []*inflightCommand
	remaining := n.inflight[:0]
	for _, cmd := range n.inflight {
		if cmd.index <= n.commitIndex {
			toNotify = append(toNotify, cmd)
		} else {
			remaining = append(remaining, cmd)
		}
	}
	n.inflight = remaining

	var toApply []Entry
	for i := first; i <= index; i++ {
		if e, ok := n.log.get(i); ok {
			toApply = append(toApply, e)
		}
	}
	onCommit := n.onCommit

	go func() {
		if onCommit != nil {
			for _, e := range toApply {
				onCommit(e)
			}
		}
		for _, cmd := range toNotify {
			cmd.done <- nil
		}
	}()
}

// Command proposes payload for replication. It returns the log index the
// command was assigned and a channel receiving nil once committed, or a
// non-nil error (CommandRejected if this node was never the Leader for this
// attempt). Non-Leader nodes reject immediately.
func (n *Node) Command(ctx context.Context, payload []byte) (uint64, <-chan error) {
	n.mu.Lock()
	if n.state != Leader {
		hint := n.lastLeader
		n.mu.Unlock()
		done := make(chan error, 1)
		done <- &CommandRejected{LeaderHint: hint}
		return 0, done
	}

	entry := n.log.append(n.term, payload)
	done := make(chan error, 1)

	if len(n.cfg.Peers) == 0 {
		// Single-node deployment: dispatch immediately, no quorum to await.
		n.advanceCommitLocked(entry.Index)
		n.mu.Unlock()
		go func() { done <- nil }()
		return entry.Index, done
	}

	n.inflight = append(n.inflight, &inflightCommand{index: entry.Index, term: entry.Term, done: done})
	n.mu.Unlock()
	return entry.Index, done
}

// Tick drives time-based transitions explicitly, for deployments that
// prefer an external clock over the internal scheduler (e.g. deterministic
// tests). On a Leader, Tick broadcasts one AppendEntries batch to every
// peer, in addition to the internal scheduler's own heartbeats. On a
// Follower or Candidate, Tick does nothing: elections start only from the
// internal scheduler's election timeout.
func (n *Node) Tick() {
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()
	if state == Leader {
		n.broadcastAppendEntriesNow()
	}
}
