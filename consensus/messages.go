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

// RequestVoteRequest is sent by a Candidate to every peer.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the peer's answer, routed back via Node.VoteReceived.
type RequestVoteReply struct {
	VoterID string
	Term    uint64
	Granted bool
}

// AppendEntriesRequest is sent by the Leader to replicate entries and as a
// heartbeat (Entries empty).
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the peer's answer, routed back via
// Node.EntriesAppended. BatchEndIndex echoes the last entry's index the
// peer was asked to append, letting the Leader advance that replica's
// match_index precisely on success.
type AppendEntriesReply struct {
	NodeID        string
	Term          uint64
	Success       bool
	BatchEndIndex uint64
}

// Transport delivers RequestVote/AppendEntries to a named peer and invokes
// onReply with that peer's answer once it arrives. Wire encoding and actual
// network transport are a deployment concern outside this package; a real
// implementation adapts whatever RPC mechanism the deployment uses.
type Transport interface {
	SendRequestVote(peer string, req RequestVoteRequest, onReply func(RequestVoteReply))
	SendAppendEntries(peer string, req AppendEntriesRequest, onReply func(AppendEntriesReply))
}
