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

// Package consensus is the Replication State Machine: a fixed-peer-set Raft
// variant that replicates a command log and exposes commit notifications,
// driven entirely by message receipt (RequestVote, AppendEntries,
// VoteReceived, EntriesAppended, Command, Tick) rather than by any
// transport of its own.
package consensus

// Entry is one command slot in the replicated log. Index is 1-based; index 0
// is the implicit, always-present sentinel before the first real entry.
type Entry struct {
	Index   uint64
	Term    uint64
	Payload []byte
}

// log is the node's persistent command log, held in memory here since
// durability is wired through wal/lsm at a different layer of the system;
// the state machine only needs the ordering and term-matching semantics.
type log struct {
	entries []Entry // entries[i] holds the entry with Index i+1; the index-0 sentinel is implicit and never stored
}

func newLog() *log {
	return &log{}
}

// lastIndex returns the index of the last entry, or 0 if the log is empty.
func (l *log) lastIndex() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Index
}

// termAt returns the term of the entry at index, or 0 for index 0 (the
// sentinel) and for an empty log.
func (l *log) termAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	e, ok := l.get(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

func (l *log) get(index uint64) (Entry, bool) {
	if index == 0 || index > uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[index-1], true
}

// append adds one new entry at the end of the log, assigning it the next
// index.
func (l *log) append(term uint64, payload []byte) Entry {
	e := Entry{Index: l.lastIndex() + 1, Term: term, Payload: payload}
	l.entries = append(l.entries, e)
	return e
}

// matches reports whether (prevIndex, prevTerm) identifies an entry already
// present in the log (or the index-0 sentinel).
func (l *log) matches(prevIndex, prevTerm uint64) bool {
	term, ok := l.termAt(prevIndex)
	return ok && term == prevTerm
}

// appendAfter truncates any entries conflicting with newEntries (same index,
// different term) and appends the rest, per the AppendEntries RPC rule: an
// existing entry that conflicts with a new one is deleted along with
// everything after it.
func (l *log) appendAfter(prevIndex uint64, newEntries []Entry) {
	for _, e := range newEntries {
		if existing, ok := l.get(e.Index); ok {
			if existing.Term == e.Term {
				continue // already present, identical
			}
			l.entries = l.entries[:e.Index-1] // truncate the conflicting suffix
		}
		l.entries = append(l.entries, e)
	}
}

// entriesFrom returns a copy of every entry from startIndex onward, capped
// at maxCount entries (0 = unbounded).
func (l *log) entriesFrom(startIndex uint64, maxCount int) []Entry {
	if startIndex == 0 {
		startIndex = 1
	}
	if startIndex > uint64(len(l.entries)) {
		return nil
	}
	slice := l.entries[startIndex-1:]
	if maxCount > 0 && len(slice) > maxCount {
		slice = slice[:maxCount]
	}
	out := make([]Entry, len(slice))
	copy(out, slice)
	return out
}
