/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package rpcserver implements the RPC server/worker loop that turns a
// doorbell message into a function evaluation and a published return
// value (spec §4.5, §4.7), grounded on the original core's
// rpc_thread_func and flexos_vmept_execute_rpc in vmept.c. Reply
// notifications reuse the same per-compartment MSGQ that carries calls,
// exactly as the original does, distinguished on dequeue by the CTRL
// state for that rpc_index (StateCalled vs StateReturned).
package rpcserver

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sebastianrauch/flexos-rpcgo/ctrl"
	"github.com/sebastianrauch/flexos-rpcgo/funcid"
	"github.com/sebastianrauch/flexos-rpcgo/metrics"
	"github.com/sebastianrauch/flexos-rpcgo/msgq"
	"github.com/sebastianrauch/flexos-rpcgo/rpcmgr"
	"github.com/sebastianrauch/flexos-rpcgo/sched"
	"github.com/sebastianrauch/flexos-rpcgo/shmem"
)

// Context is everything the server/worker loop for one compartment
// needs to turn a doorbell message into a completed call. The server and
// worker loops are methods on Context, which is passed around explicitly
// rather than held as a singleton, the same "accessor, not singleton"
// posture SharedRegion takes (spec §9).
type Context struct {
	Region  *shmem.SharedRegion
	CompID  uint8
	Funcs   *funcid.Table
	Threads *rpcmgr.Manager
	Sched   *sched.Scheduler
	Metrics *metrics.Collector // optional; nil disables metrics export
	Log     *logrus.Entry

	mu        sync.Mutex
	jobChans  map[*sched.Thread]chan job
	replyWait map[int]chan uint64 // rpc_index -> channel a blocked SendCall is waiting on
}

// job is the payload handed from the server thread to a worker thread
// once it has been assigned an incoming call.
type job struct {
	rpcIndex  int
	otherComp uint8
}

// NewContext builds a Context for one compartment. log may be nil, in
// which case a disabled entry is used (matches go-tcpinfo's posture of
// never requiring a caller to wire up logging just to exercise the
// core).
func NewContext(region *shmem.SharedRegion, compID uint8, funcs *funcid.Table, threads *rpcmgr.Manager, scheduler *sched.Scheduler, m *metrics.Collector, log *logrus.Entry) *Context {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Context{
		Region:    region,
		CompID:    compID,
		Funcs:     funcs,
		Threads:   threads,
		Sched:     scheduler,
		Metrics:   m,
		Log:       log.WithField("comp", compID),
		jobChans:  make(map[*sched.Thread]chan job),
		replyWait: make(map[int]chan uint64),
	}
}

// NewWorker creates one RPC worker thread for this compartment's
// scheduler and wires it into the thread manager's idle pool once it
// is ready to accept work. The returned Thread is not meant to be
// driven directly by callers; the server loop assigns it work via the
// thread manager.
func (c *Context) NewWorker() *sched.Thread {
	jobCh := make(chan job, 1)
	var th *sched.Thread
	th = c.Sched.CreateThread(func(self *sched.Thread) {
		c.workerLoop(self, jobCh)
	}, true)

	c.mu.Lock()
	c.jobChans[th] = jobCh
	c.mu.Unlock()
	return th
}

// workerLoop is the body of every worker thread: register as idle,
// sleep, execute whatever job Wake delivers, repeat. A worker thread
// never requeues itself via Yield -- per spec §4.6/§4.7 an RPC worker
// that finishes a call is either returned to the idle pool (and goes
// back to sleep here) or, if the pool is full, simply lets its
// goroutine end.
//
// A freshly grown worker (dispatch's AddIdleThread(c.NewWorker()) path)
// can have a job waiting on jobCh before this goroutine has run even
// once: its thread was handed straight to AssignThread without ever
// reaching Block, so the Wake that delivered the job would otherwise
// race ahead of the first Block call and be lost. Checking jobCh before
// registering as idle closes that race without changing behavior for
// the common case, where jobCh is empty until after this thread is
// already asleep in the idle pool.
func (c *Context) workerLoop(self *sched.Thread, jobCh chan job) {
	for {
		select {
		case j := <-jobCh:
			c.runJob(self, j)
			continue
		default:
		}

		if err := c.Threads.AddIdleThread(self); err != nil {
			c.Log.WithError(err).Debug("rpc worker thread retiring, idle pool full")
			return
		}
		self.Block()

		select {
		case j := <-jobCh:
			c.runJob(self, j)
		default:
			// Spurious wake (e.g. scheduler shutdown); loop back to
			// re-register as idle and sleep again.
		}
	}
}

func (c *Context) runJob(self *sched.Thread, j job) {
	h, err := c.Region.CTRLFor(c.CompID, j.otherComp, j.rpcIndex)
	if err != nil {
		c.Log.WithError(err).Error("rpc worker: resolving CTRL for assigned job")
		return
	}
	c.ExecuteRPC(ctrl.New(h), j.rpcIndex)
	c.Threads.UnassignThread(j.rpcIndex)
}

// ServerLoop is the per-compartment dispatch loop: it polls the
// compartment's own message queue for doorbell notifications -- both
// inbound calls and replies to this compartment's own outstanding calls
// -- and turns each one into a dispatched call or a woken SendCall,
// growing the idle worker pool when it runs dry and only falling back
// to executing a call inline (executeInline) once growth itself is
// exhausted. ServerLoop never returns on its own; callers that want a
// bounded run should wrap it with their own exit signal.
func (c *Context) ServerLoop(self *sched.Thread) {
	c.Sched.SetServerThread(self)
	q := msgq.New(c.Region.MsgQueue(c.CompID))

	for {
		field, err := q.TryGet()
		if err != nil {
			self.RPCYield()
			continue
		}
		rpcIndex, otherComp := c.Region.Codec().Extract(uint16(field))
		c.dispatch(self, rpcIndex, otherComp)
	}
}

// dispatch resolves an incoming doorbell message's CTRL and routes it
// according to what it actually carries (spec §4.7): a reply to one of
// this compartment's own outstanding calls wakes the blocked SendCall; a
// fresh or nested call is handed to an idle worker thread, executed
// inline on the server thread when a worker already owns rpcIndex
// (nested re-entrant call), grown into a freshly allocated worker if the
// idle pool is empty, or -- only once growth itself is exhausted --
// executed inline on the server thread as a last resort.
func (c *Context) dispatch(self *sched.Thread, rpcIndex int, otherComp uint8) {
	raw, err := c.Region.CTRLFor(c.CompID, otherComp, rpcIndex)
	if err != nil {
		c.Log.WithError(err).Error("rpc server: resolving CTRL for doorbell message")
		return
	}
	h := ctrl.New(raw)

	if h.State() == shmem.StateReturned {
		c.handleReply(h, rpcIndex, otherComp)
		return
	}

	if _, alreadyActive := c.Threads.ActiveThread(rpcIndex); alreadyActive {
		c.ExecuteRPC(h, rpcIndex)
		return
	}

	worker, ok := c.Threads.AssignThread(rpcIndex)
	if !ok {
		if err := c.Threads.AddIdleThread(c.NewWorker()); err != nil {
			c.Log.WithError(err).Debug("rpc server: cannot grow idle worker pool")
		} else {
			worker, ok = c.Threads.AssignThread(rpcIndex)
		}
	}
	if !ok {
		c.executeInline(rpcIndex, otherComp)
		return
	}

	c.mu.Lock()
	jobCh := c.jobChans[worker]
	c.mu.Unlock()

	jobCh <- job{rpcIndex: rpcIndex, otherComp: otherComp}
	worker.Wake()
}

// handleReply services a reply notification posted by execute_rpc for
// one of this compartment's own outstanding calls (spec §4.5 step 3):
// it reads and resets the CTRL, then wakes the SendCall that registered
// a wait on rpcIndex. A reply with no registered waiter is dropped and
// logged -- it can only mean the caller already gave up (not possible
// in the current blocking SendCall, but kept defensive against future
// callers that add a timeout).
func (c *Context) handleReply(h *ctrl.Handle, rpcIndex int, otherComp uint8) {
	ret := h.WaitReturned(c.CompID, otherComp, nil)

	c.mu.Lock()
	ch, ok := c.replyWait[rpcIndex]
	if ok {
		delete(c.replyWait, rpcIndex)
	}
	c.mu.Unlock()

	if !ok {
		c.Log.WithField("rpc_index", rpcIndex).Warn("rpc server: reply with no registered waiter")
		return
	}
	ch <- ret
}

// executeInline runs a call directly on the server thread when no idle
// worker thread is available and growing the pool has already failed
// (spec §4.7's pool-exhaustion fallback). This is not the original
// core's tmp_rpc_server_loop -- this Go server has one consuming
// goroutine per compartment rather than a caller thread temporarily
// moonlighting as the server, so the runqueue-inspection/switch-thread
// trick that function performs has no analogue here; see DESIGN.md.
func (c *Context) executeInline(rpcIndex int, otherComp uint8) {
	h, err := c.Region.CTRLFor(c.CompID, otherComp, rpcIndex)
	if err != nil {
		c.Log.WithError(err).Error("rpc server: resolving CTRL for fallback execution")
		return
	}
	c.Log.WithField("rpc_index", rpcIndex).Debug("serving call inline: idle worker pool exhausted")
	c.ExecuteRPC(ctrl.New(h), rpcIndex)
}

// postReply publishes a reply notification into the original caller's
// message queue once a call's return value has been written to CTRL
// (spec §2, §4.5 step 3): the caller's server loop dequeues it, sees
// CTRL in StateReturned for rpcIndex, and wakes the blocked SendCall.
// keyFrom/keyTo are the CTRL's own direction keys, so the notification
// is always routed back to whichever compartment actually made the
// call -- including a nested call where keyFrom is not this CTRL's
// original caller.
func (c *Context) postReply(keyFrom, keyTo uint8, rpcIndex int) {
	callerQueue := msgq.New(c.Region.MsgQueue(keyFrom))
	field := uint32(c.Region.Codec().Pack(rpcIndex, keyTo))
	callerQueue.Put(field, nil)
}

// ExecuteRPC evaluates the call already published in h (spec §4.5):
// reads the function id and arguments, resolves and invokes the
// target, and publishes the return value. It tracks re-entrant depth
// through the thread manager so a nested call into the same rpc_index
// is visible to metrics even when it is served inline by dispatch.
func (c *Context) ExecuteRPC(h *ctrl.Handle, rpcIndex int) {
	funcID, argc, hasReturn, keyFrom, keyTo := h.WaitCalled(nil)
	depth := c.Threads.EnterNested(rpcIndex)
	defer c.Threads.ExitNested(rpcIndex)

	if c.Metrics != nil {
		c.Metrics.ObserveNestedDepth(c.CompID, rpcIndex, depth)
	}

	log := c.Log.WithFields(logrus.Fields{
		"rpc_index": rpcIndex,
		"func_id":   funcID,
		"key_from":  keyFrom,
		"key_to":    keyTo,
		"depth":     depth,
	})

	fn, err := c.Funcs.Lookup(funcID)
	if err != nil {
		log.WithError(err).Error("rpc call: unresolved function id")
		h.Return(0, keyFrom, keyTo)
		c.postReply(keyFrom, keyTo, rpcIndex)
		return
	}

	args := h.Args(argc)
	ret := fn(args)
	if !hasReturn {
		ret = 0
	}
	h.Return(ret, keyFrom, keyTo)
	c.postReply(keyFrom, keyTo, rpcIndex)

	if c.Metrics != nil {
		c.Metrics.ObserveCall(c.CompID, funcID)
	}
	log.Trace("rpc call served")
}

// SendCall is the caller side of an RPC: it publishes the call onto
// the callee's CTRL, rings the callee's doorbell, and blocks until a
// return value is published. rpcIndex must be this caller's own,
// stable RPC index, per spec §4.4/§6.
//
// Every call is tagged with a fresh xid for the duration of its log
// span, so a caller's "sending" and "returned" lines can be
// correlated across a nested, re-entrant call chain even though
// multiple calls may be in flight on the same rpc_index over time.
func (c *Context) SendCall(callee uint8, rpcIndex int, funcID uint64, args []uint64, hasReturn bool) (uint64, error) {
	callID := xid.New()
	log := c.Log.WithFields(logrus.Fields{"call_id": callID.String(), "callee": callee, "rpc_index": rpcIndex, "func_id": funcID})
	log.Trace("rpc call: sending")

	raw, err := c.Region.CTRLFor(c.CompID, callee, rpcIndex)
	if err != nil {
		return 0, fmt.Errorf("rpcserver: resolving CTRL for call: %w", err)
	}
	h := ctrl.New(raw)
	if err := h.Call(funcID, args, hasReturn, c.CompID, callee); err != nil {
		return 0, fmt.Errorf("rpcserver: publishing call: %w", err)
	}

	replyCh := make(chan uint64, 1)
	c.mu.Lock()
	c.replyWait[rpcIndex] = replyCh
	c.mu.Unlock()

	calleeQueue := msgq.New(c.Region.MsgQueue(callee))
	field := uint32(c.Region.Codec().Pack(rpcIndex, c.CompID))
	calleeQueue.Put(field, nil)

	ret := <-replyCh
	log.WithField("ret", ret).Trace("rpc call: returned")
	return ret, nil
}
