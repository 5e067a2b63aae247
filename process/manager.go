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

// Package process is the in-process supervisor: a typed catalog of worker
// processes addressed by id, with Spawn/Find/Send/Request/WaitFor/Shutdown.
// Manager state is owned entirely by one goroutine draining a command
// queue, so no field of Manager needs a lock — every command handler runs
// to completion before the next is read off the queue.
package process

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jtolds/gls"
	"golang.org/x/sync/errgroup"
)

// ID identifies a spawned process; 0 is reserved for the manager itself
// (used as Mail.Origin when the manager, not a process, is the sender) and
// as the "not found" sentinel returned by Find.
type ID uint64

// Mail is a point-to-point message delivered to a process's mailbox.
type Mail struct {
	Origin      ID
	Correlation uint64
	Payload     any
}

// StreamItem is a multi-valued message delivered to a process's mailbox,
// distinct from Mail so a worker can tell a one-shot reply apart from one
// value of an ongoing stream (e.g. index.Indexer.Read's batches piped into
// a requesting process's mailbox).
type StreamItem struct {
	Correlation uint64
	Payload     any
	Sender      ID
}

// ProcessTerminated notifies a dependent that a process it waited on has
// exited; Err is nil for a clean exit.
type ProcessTerminated struct {
	ID  ID
	Err error
}

// FatalError is the synthetic reply sent to a pending Request whose
// destination terminated (including by panic) before answering.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "process: fatal: " + e.Reason }

// Env is what a worker function receives: its identity, inbound mailbox,
// a handle back to the manager, and a scratch buffer it owns for the
// duration of its run.
type Env struct {
	ID      ID
	Kind    string
	Receive <-chan any // carries Mail or StreamItem values
	Client  *Manager
	Scratch []byte
}

// Worker is a process body. A worker that returns has exited cleanly; a
// worker that panics is reported as terminated with an error.
type Worker func(Env)

// Topology is a catalog entry's spawn policy for one kind.
type Topology interface{ isTopology() }

// SingletonSpawn allows at most one live process of this kind. FixedID, if
// non-zero, is the id every spawn of this kind must reuse (useful for a
// well-known process like the Writer); zero means the manager assigns one
// on first spawn.
type SingletonSpawn struct{ FixedID ID }

func (SingletonSpawn) isTopology() {}

// MultipleSpawn allows up to Limit concurrently live processes of this
// kind (0 = unbounded).
type MultipleSpawn struct{ Limit int }

func (MultipleSpawn) isTopology() {}

var (
	// ErrUnknownKind is returned by Spawn/WaitFor for a kind with no
	// registered Topology.
	ErrUnknownKind = errors.New("process: unknown kind")
	// ErrSingletonRunning is returned by Spawn (not WaitFor) when a
	// Singleton of this kind is already alive.
	ErrSingletonRunning = errors.New("process: singleton already running")
	// ErrLimitReached is returned when a Multiple kind is already at its
	// spawn limit.
	ErrLimitReached = errors.New("process: spawn limit reached")
	// ErrNotFound is returned by Send/Request for a dest with no live
	// process.
	ErrNotFound = errors.New("process: destination not found")
	// ErrClosing is returned by Spawn/WaitFor once Shutdown has started.
	ErrClosing = errors.New("process: manager is closing")
)

type catalogEntry struct {
	worker    Worker
	topology  Topology
	instances map[ID]struct{}
}

type runningProcess struct {
	id         ID
	kind       string
	mailbox    chan any
	dependents []ID
	lastCorrel uint64 // correlation of the most recent inbound request awaiting a reply, 0 if none
	cancel     context.CancelFunc
}

// Manager is the supervisor. NewManager starts its command-processing
// goroutine immediately; call Shutdown to stop it.
type Manager struct {
	cmds       chan any
	mgrCtx     context.Context
	mgrStop    context.CancelFunc
	nextCorrel atomic.Uint64

	// Only ever touched on the manager's own goroutine from here down.
	catalog          map[string]*catalogEntry
	processes        map[ID]*runningProcess
	requests         map[uint64]chan Mail
	nextID           ID
	closing          bool
	shutdownFinished bool
	closingLeft      map[ID]struct{}
	closeWaiters     []chan struct{}
}

// NewManager returns a Manager with an empty catalog and starts its
// command loop. RegisterKind every worker kind before the first Spawn or
// WaitFor call for it.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cmds:      make(chan any, 64),
		mgrCtx:    ctx,
		mgrStop:   cancel,
		catalog:   make(map[string]*catalogEntry),
		processes: make(map[ID]*runningProcess),
		requests:  make(map[uint64]chan Mail),
	}
	go m.run()
	return m
}

// RegisterKind declares a worker kind's spawn policy and body. Must be
// called before any Spawn/WaitFor targeting kind; not safe to call
// concurrently with those (intended as startup-time wiring, before the
// node starts serving).
func (m *Manager) RegisterKind(kind string, topology Topology, worker Worker) {
	m.catalog[kind] = &catalogEntry{worker: worker, topology: topology, instances: make(map[ID]struct{})}
}

type cmdSpawn struct {
	kind   string
	origin ID
	reply  chan spawnResult
}

type spawnResult struct {
	id  ID
	err error
}

type cmdFind struct {
	kind  string
	reply chan ID // 0 means not found
}

type cmdListKind struct {
	kind  string
	reply chan []ID
}

type cmdSend struct {
	dest        ID
	mail        Mail
	expectReply chan Mail // non-nil registers mail.Correlation for routing a reply back
	err         chan error
}

type cmdTerminated struct {
	id  ID
	err error
}

type cmdShutdown struct {
	reply chan struct{}
}

type cmdReply struct {
	correlation uint64
	mail        Mail
}

// processIdentity is the gls.Values key set for the duration of a worker's
// goroutine, letting panic recovery identify which process failed without
// threading an explicit parameter through every call frame.
const processIdentity = "process.identity"

var glsMgr = gls.NewContextManager()

type identity struct {
	id   ID
	kind string
}

func (m *Manager) run() {
	for raw := range m.cmds {
		switch cmd := raw.(type) {
		case cmdSpawn:
			m.handleSpawn(cmd)
		case cmdFind:
			m.handleFind(cmd)
		case cmdListKind:
			m.handleListKind(cmd)
		case cmdSend:
			m.handleSend(cmd)
		case cmdTerminated:
			m.handleTerminated(cmd)
		case cmdReply:
			m.handleReply(cmd)
		case cmdShutdown:
			m.handleShutdown(cmd)
		case cmdShutdownTimeout:
			m.handleShutdownTimeout()
		}
	}
}

func (m *Manager) handleSpawn(cmd cmdSpawn) {
	entry, ok := m.catalog[cmd.kind]
	if !ok {
		cmd.reply <- spawnResult{err: ErrUnknownKind}
		return
	}
	if m.closing {
		cmd.reply <- spawnResult{err: ErrClosing}
		return
	}

	var id ID
	switch t := entry.topology.(type) {
	case SingletonSpawn:
		for existing := range entry.instances {
			cmd.reply <- spawnResult{err: fmt.Errorf("%w: kind %q already has process %d", ErrSingletonRunning, cmd.kind, existing)}
			return
		}
		if t.FixedID != 0 {
			id = t.FixedID
		} else {
			m.nextID++
			id = m.nextID
		}
	case MultipleSpawn:
		if t.Limit > 0 && len(entry.instances) >= t.Limit {
			cmd.reply <- spawnResult{err: ErrLimitReached}
			return
		}
		m.nextID++
		id = m.nextID
	default:
		cmd.reply <- spawnResult{err: fmt.Errorf("process: unrecognized topology %T", entry.topology)}
		return
	}

	m.startProcess(id, cmd.kind, cmd.origin, entry)
	cmd.reply <- spawnResult{id: id}
}

// startProcess registers bookkeeping and launches the worker goroutine.
func (m *Manager) startProcess(id ID, kind string, origin ID, entry *catalogEntry) {
	entry.instances[id] = struct{}{}
	ctx, cancel := context.WithCancel(m.mgrCtx)
	rp := &runningProcess{id: id, kind: kind, mailbox: make(chan any, 256), cancel: cancel}
	m.processes[id] = rp
	if origin != 0 {
		if _, ok := m.processes[origin]; ok {
			rp.dependents = append(rp.dependents, origin)
		}
	}

	env := Env{ID: id, Kind: kind, Receive: rp.mailbox, Client: m}
	worker := entry.worker
	gls.Go(func() {
		glsMgr.SetValues(gls.Values{processIdentity: identity{id: id, kind: kind}}, func() {
			m.runWorker(ctx, id, worker, env)
		})
	})
}

// runWorker executes worker with panic recovery, then reports termination
// back to the manager loop. ctx is cancelled by Shutdown; a worker that
// wants cooperative shutdown watches env.Receive and an externally derived
// context of its own, since Worker's signature carries no ctx parameter —
// a worker obtains ctx.Done() semantics by selecting on a StreamItem/Mail
// the manager or its caller chooses to send, keeping the Worker contract
// purely message-driven per the catalog's typed-message design.
func (m *Manager) runWorker(ctx context.Context, id ID, worker Worker, env Env) {
	var failure error
	func() {
		defer func() {
			if r := recover(); r != nil {
				ident, _ := glsMgr.GetValue(processIdentity)
				failure = fmt.Errorf("process %v panicked: %v\n%s", ident, r, debug.Stack())
			}
		}()
		worker(env)
	}()
	_ = ctx
	m.cmds <- cmdTerminated{id: id, err: failure}
}

func (m *Manager) handleTerminated(cmd cmdTerminated) {
	rp, ok := m.processes[cmd.id]
	if !ok {
		return
	}
	delete(m.processes, cmd.id)
	if entry, ok := m.catalog[rp.kind]; ok {
		delete(entry.instances, cmd.id)
	}

	if cmd.err != nil {
		if reply, ok := m.requests[rp.lastCorrel]; ok {
			delete(m.requests, rp.lastCorrel)
			reply <- Mail{Origin: cmd.id, Correlation: rp.lastCorrel, Payload: &FatalError{Reason: cmd.err.Error()}}
		}
	}

	for _, dep := range rp.dependents {
		if depProc, ok := m.processes[dep]; ok {
			select {
			case depProc.mailbox <- Mail{Origin: 0, Payload: ProcessTerminated{ID: cmd.id, Err: cmd.err}}:
			default:
			}
		}
	}

	if m.closing {
		delete(m.closingLeft, cmd.id)
		if len(m.closingLeft) == 0 {
			m.finishShutdown()
		}
	}
}

func (m *Manager) handleFind(cmd cmdFind) {
	entry, ok := m.catalog[cmd.kind]
	if !ok {
		cmd.reply <- 0
		return
	}
	for id := range entry.instances {
		cmd.reply <- id
		return
	}
	cmd.reply <- 0
}

func (m *Manager) handleListKind(cmd cmdListKind) {
	entry, ok := m.catalog[cmd.kind]
	if !ok {
		cmd.reply <- nil
		return
	}
	ids := make([]ID, 0, len(entry.instances))
	for id := range entry.instances {
		ids = append(ids, id)
	}
	cmd.reply <- ids
}

func (m *Manager) handleSend(cmd cmdSend) {
	rp, ok := m.processes[cmd.dest]
	if !ok {
		cmd.err <- ErrNotFound
		return
	}
	if cmd.expectReply != nil {
		m.requests[cmd.mail.Correlation] = cmd.expectReply
		rp.lastCorrel = cmd.mail.Correlation
	}
	select {
	case rp.mailbox <- cmd.mail:
		cmd.err <- nil
	default:
		// A bounded mailbox stands in for the "unbounded" mailbox this
		// supervisor otherwise promises: a process that never drains its
		// mailbox is indistinguishable from a dead one to its callers. Undo
		// the request registration above so a delivery failure can't leave
		// an orphaned entry in m.requests that nothing will ever resolve.
		if cmd.expectReply != nil {
			delete(m.requests, cmd.mail.Correlation)
		}
		cmd.err <- fmt.Errorf("process: mailbox for %d is full", cmd.dest)
	}
}

// handleReply resolves a pending Request by correlation id, the same
// m.requests map handleTerminated's synthetic FatalError path resolves
// through — a Reply and a mid-request panic are just two ways the one
// waiter gets its answer.
func (m *Manager) handleReply(cmd cmdReply) {
	if reply, ok := m.requests[cmd.correlation]; ok {
		delete(m.requests, cmd.correlation)
		reply <- cmd.mail
	}
}

func (m *Manager) handleShutdown(cmd cmdShutdown) {
	if m.shutdownFinished {
		cmd.reply <- struct{}{}
		return
	}
	if !m.closing {
		m.closing = true
		m.closingLeft = make(map[ID]struct{}, len(m.processes))
		for id, rp := range m.processes {
			m.closingLeft[id] = struct{}{}
			rp.cancel()
		}
		if len(m.closingLeft) == 0 {
			m.shutdownFinished = true
			cmd.reply <- struct{}{}
			return
		}
		go func() {
			time.Sleep(5 * time.Second)
			m.cmds <- cmdShutdownTimeout{}
		}()
	}
	m.closeWaiters = append(m.closeWaiters, cmd.reply)
}

type cmdShutdownTimeout struct{}

// handleShutdownTimeout force-finishes a shutdown whose processes did not
// all terminate within the grace period; whatever is still running at this
// point is abandoned (its goroutine may still be unwinding, but nothing
// downstream is waiting on it anymore).
func (m *Manager) handleShutdownTimeout() {
	if m.shutdownFinished || !m.closing {
		return
	}
	m.finishShutdown()
}

func (m *Manager) finishShutdown() {
	m.shutdownFinished = true
	for _, w := range m.closeWaiters {
		w <- struct{}{}
	}
	m.closeWaiters = nil
}

// Spawn allocates a new process of kind, subject to its registered
// Topology, and starts worker running. origin, if non-zero, is recorded as
// a dependent that will receive ProcessTerminated when the new process
// exits.
func (m *Manager) Spawn(kind string, origin ID) (ID, error) {
	reply := make(chan spawnResult, 1)
	m.cmds <- cmdSpawn{kind: kind, origin: origin, reply: reply}
	res := <-reply
	return res.id, res.err
}

// Find returns the first live process of kind (the singleton, or an
// arbitrary member of a Multiple), or 0 if none is running.
func (m *Manager) Find(kind string) ID {
	reply := make(chan ID, 1)
	m.cmds <- cmdFind{kind: kind, reply: reply}
	return <-reply
}

// WaitFor returns a running process of kind: an existing instance if Find
// reports one, otherwise a freshly spawned one. origin is recorded as a
// dependent only when this call spawns the process; reusing an existing
// instance does not record origin as a dependent.
func (m *Manager) WaitFor(kind string, origin ID) (ID, error) {
	if id := m.Find(kind); id != 0 {
		return id, nil
	}
	id, err := m.Spawn(kind, origin)
	if errors.Is(err, ErrSingletonRunning) {
		// Lost a race against a concurrent WaitFor/Spawn; the singleton
		// that won is perfectly usable.
		return m.Find(kind), nil
	}
	return id, err
}

// Send delivers payload to dest's mailbox as one Mail with origin and no
// reply routing.
func (m *Manager) Send(dest ID, origin ID, payload any) error {
	errc := make(chan error, 1)
	m.cmds <- cmdSend{dest: dest, mail: Mail{Origin: origin, Payload: payload}, err: errc}
	return <-errc
}

// Request sends payload to dest under a fresh correlation id and blocks
// for the single Mail reply addressed to it, or until ctx is done.
func (m *Manager) Request(ctx context.Context, dest ID, origin ID, payload any) (Mail, error) {
	correl := m.nextCorrel.Add(1)
	reply := make(chan Mail, 1)
	errc := make(chan error, 1)
	m.cmds <- cmdSend{dest: dest, mail: Mail{Origin: origin, Correlation: correl, Payload: payload}, expectReply: reply, err: errc}
	if err := <-errc; err != nil {
		return Mail{}, err
	}
	select {
	case mail := <-reply:
		return mail, nil
	case <-ctx.Done():
		return Mail{}, ctx.Err()
	}
}

// Reply answers a pending Request under the correlation id its Mail
// carried. origin names the process the caller believes it is answering,
// for the replying worker's own clarity; routing is by correlation id
// alone; a correlation nothing is waiting on (already answered, or the
// waiter's ctx expired) is silently dropped.
func (m *Manager) Reply(origin ID, self ID, correlation uint64, payload any) error {
	_ = origin
	m.cmds <- cmdReply{correlation: correlation, mail: Mail{Origin: self, Correlation: correlation, Payload: payload}}
	return nil
}

// Shutdown cancels every running process's context, waits (up to 5s) for
// every process to report termination, then returns. The command queue is
// deliberately left open rather than closed: a timeout goroutine armed by
// handleShutdown may still be sleeping when Shutdown returns, and a send on
// a closed channel panics regardless of which goroutine reads it. Once
// shutdownFinished is set, handleSpawn already refuses every further
// cmdSpawn with ErrClosing, and the manager goroutine simply idles forever
// on an empty queue — a leaked goroutine is a harmless price for an
// unconditionally safe shutdown.
func (m *Manager) Shutdown() {
	reply := make(chan struct{}, 1)
	m.cmds <- cmdShutdown{reply: reply}
	<-reply
	m.mgrStop()
}

// BroadcastShutdownSignal sends payload to every currently-live process of
// kind concurrently via errgroup, collecting the first error (if any). Used
// to push a cooperative stop message ahead of the hard Shutdown
// cancellation, e.g. telling every subscription process to wind down
// before the manager cancels its context.
func (m *Manager) BroadcastShutdownSignal(kind string, payload any) error {
	reply := make(chan []ID, 1)
	m.cmds <- cmdListKind{kind: kind, reply: reply}
	ids := <-reply

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Send(id, 0, payload)
		})
	}
	return g.Wait()
}
