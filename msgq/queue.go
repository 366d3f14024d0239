/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package msgq implements the bounded single-consumer, multi-producer
// doorbell queue used to wake a compartment's RPC server loop (spec §3,
// §4.3), grounded on the original core's msgqueue.h / msgqueue_impl.h.
package msgq

import (
	"fmt"
	"runtime"

	"github.com/sebastianrauch/flexos-rpcgo/shmem"
)

// ErrFull is returned by TryPut when the queue has no free slot.
var ErrFull = fmt.Errorf("msgq: queue full")

// ErrEmpty is returned by TryGet when the queue has no pending message.
var ErrEmpty = fmt.Errorf("msgq: queue empty")

// Yielder is called by the blocking Put/Get variants while they spin,
// giving the caller's scheduler a chance to run something else instead
// of burning a host thread. A nil Yielder falls back to runtime.Gosched,
// matching go-tcpinfo's posture of never assuming a particular caller
// environment.
type Yielder func()

// Queue is a thin accessor over a shmem.RawMsgQueue. It holds no state of
// its own; every operation reads and writes through raw, which must be a
// pointer into the shared region (shmem.SharedRegion.MsgQueue).
type Queue struct {
	raw *shmem.RawMsgQueue
}

// New wraps raw as a Queue. raw is typically obtained from
// shmem.SharedRegion.MsgQueue.
func New(raw *shmem.RawMsgQueue) *Queue {
	return &Queue{raw: raw}
}

// Init resets the queue to empty. Must be called exactly once, by the
// queue's owning compartment, before any producer can observe it.
func (q *Queue) Init() {
	atomicStoreU32(&q.raw.Head, 0)
	atomicStoreU32(&q.raw.Tail, 0)
	atomicStoreU32(&q.raw.WriteLock, 0)
}

// lock acquires the producer-side spinlock, yielding between attempts.
// The lock exists because MSGQ allows multiple concurrent producers
// (multiple compartments calling into the same callee) even though
// there is only ever one consumer.
func (q *Queue) lock(yield Yielder) {
	for !atomicCASU32(&q.raw.WriteLock, 0, 1) {
		doYield(yield)
	}
}

func (q *Queue) unlock() {
	atomicStoreU32(&q.raw.WriteLock, 0)
}

// TryPut enqueues msg without blocking on a free slot. It spins to
// acquire the write lock exactly like Put (lock contention is not the
// same condition as the queue being full -- the spec's try_put also
// acquires its lock unconditionally before testing fullness), then
// reports ErrFull only if the ring itself has no free slot (spec:
// capacity C, ring modulus C+1 so full and empty remain distinguishable
// without a separate counter).
func (q *Queue) TryPut(field uint32) error {
	q.lock(nil)
	defer q.unlock()

	head := atomicLoadU32(&q.raw.Head)
	tail := atomicLoadU32(&q.raw.Tail)
	next := (head + 1) % modulus
	if next == tail {
		return ErrFull
	}
	q.raw.Messages[head].Field = field
	atomicStoreU32(&q.raw.Head, next)
	return nil
}

// Put enqueues msg, busy-waiting (and yielding between attempts) until a
// slot becomes free. The lock is released while yielding so another
// producer (or the consumer) can make progress in the meantime.
func (q *Queue) Put(field uint32, yield Yielder) {
	q.lock(yield)
	for {
		head := atomicLoadU32(&q.raw.Head)
		tail := atomicLoadU32(&q.raw.Tail)
		next := (head + 1) % modulus
		if next != tail {
			q.raw.Messages[head].Field = field
			atomicStoreU32(&q.raw.Head, next)
			q.unlock()
			return
		}
		q.unlock()
		doYield(yield)
		q.lock(yield)
	}
}

// TryGet dequeues the oldest pending message without blocking. It is the
// caller's responsibility to ensure there is only ever one consumer;
// unlike Put, Get takes no lock (spec §4.3: single-consumer queue).
func (q *Queue) TryGet() (uint32, error) {
	head := atomicLoadU32(&q.raw.Head)
	tail := atomicLoadU32(&q.raw.Tail)
	if head == tail {
		return 0, ErrEmpty
	}
	field := q.raw.Messages[tail].Field
	atomicStoreU32(&q.raw.Tail, (tail+1)%modulus)
	return field, nil
}

// GetBlocking busy-waits (yielding between attempts) until a message is
// available, then dequeues and returns it.
func (q *Queue) GetBlocking(yield Yielder) uint32 {
	for {
		if field, err := q.TryGet(); err == nil {
			return field
		}
		doYield(yield)
	}
}

// Depth reports the number of pending messages, for metrics export.
func (q *Queue) Depth() int {
	head := atomicLoadU32(&q.raw.Head)
	tail := atomicLoadU32(&q.raw.Tail)
	if head >= tail {
		return int(head - tail)
	}
	return int(modulus - tail + head)
}

const modulus = shmem.MsgQueueCapacity + 1

func doYield(y Yielder) {
	if y != nil {
		y()
		return
	}
	runtime.Gosched()
}
