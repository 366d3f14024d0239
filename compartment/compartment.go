/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package compartment wires together the shared region, scheduler,
// thread manager and function table into one addressable compartment,
// and drives the staged cross-compartment init barrier (spec §4.8),
// grounded on the original core's flexos_vmept_init and the app/other
// compartment asymmetry in ukboot/weak_main.c.
package compartment

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sebastianrauch/flexos-rpcgo/buildcfg"
	"github.com/sebastianrauch/flexos-rpcgo/funcid"
	"github.com/sebastianrauch/flexos-rpcgo/metrics"
	"github.com/sebastianrauch/flexos-rpcgo/msgq"
	"github.com/sebastianrauch/flexos-rpcgo/rpcmgr"
	"github.com/sebastianrauch/flexos-rpcgo/rpcserver"
	"github.com/sebastianrauch/flexos-rpcgo/sched"
	"github.com/sebastianrauch/flexos-rpcgo/shmem"
)

// AppCompartmentID is the distinguished compartment that drives the
// init barrier to completion and runs application logic, the Go
// counterpart of the original core's weak_main asymmetry: every other
// compartment just brings its RPC server up and waits.
const AppCompartmentID uint8 = 0

// Compartment is one participant in the shared region: its own RPC
// server, worker pool, function table, and cooperative scheduler.
type Compartment struct {
	ID     uint8
	Region *shmem.SharedRegion
	Sched  *sched.Scheduler
	Funcs  *funcid.Table
	Server *rpcserver.Context

	log *logrus.Entry
}

// New constructs a Compartment bound to region. cfg must be the same
// Config region was built from.
func New(cfg buildcfg.Config, region *shmem.SharedRegion, id uint8, m *metrics.Collector, log *logrus.Entry) (*Compartment, error) {
	if int(id) >= cfg.CompartmentCount {
		return nil, fmt.Errorf("compartment: id %d out of range [0,%d)", id, cfg.CompartmentCount)
	}
	funcs, err := funcid.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("compartment %d: %w", id, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	entry := log.WithField("comp", id)

	s := sched.New()
	threads := rpcmgr.New(cfg.MaxIdleThreads)
	srv := rpcserver.NewContext(region, id, funcs, threads, s, m, entry)

	return &Compartment{
		ID:     id,
		Region: region,
		Sched:  s,
		Funcs:  funcs,
		Server: srv,
		log:    entry,
	}, nil
}

// RegisterFunc binds funcID to fn in this compartment's function table.
func (c *Compartment) RegisterFunc(funcID uint64, fn funcid.Func) error {
	return c.Funcs.Register(funcID, fn)
}

// Start brings the compartment's RPC server and numWorkers idle worker
// threads up, then begins driving the cooperative scheduler on a
// background goroutine. It returns immediately; the scheduler keeps
// running until the process exits, since the RPC server loop never
// terminates on its own.
func (c *Compartment) Start(numWorkers int) {
	msgq.New(c.Region.MsgQueue(c.ID)).Init()

	for i := 0; i < numWorkers; i++ {
		c.Server.NewWorker()
	}
	c.Sched.CreateThread(func(self *sched.Thread) {
		c.Server.ServerLoop(self)
	}, true)

	go c.Sched.Run()
}

// SignalReady marks this compartment's init-barrier counter, then, for
// every compartment except AppCompartmentID, busy-waits for the app
// compartment to publish Initialized. AppCompartmentID instead busy-
// waits for every other compartment's counter before publishing
// Initialized itself, so application code on compartment 0 never runs
// ahead of a callee compartment's RPC server being up (spec §4.8).
func (c *Compartment) SignalReady() {
	atomic.StoreUint32(&c.Region.Barrier().Counters[c.ID], 1)
	if c.ID != AppCompartmentID {
		c.waitInitialized()
		return
	}
	c.waitAllReady()
	atomic.StoreUint32(&c.Region.Barrier().Initialized, 1)
}

func (c *Compartment) waitAllReady() {
	for i := range c.Region.Barrier().Counters {
		if uint8(i) == c.ID {
			continue
		}
		for atomic.LoadUint32(&c.Region.Barrier().Counters[i]) == 0 {
			runtime.Gosched()
		}
	}
}

func (c *Compartment) waitInitialized() {
	for atomic.LoadUint32(&c.Region.Barrier().Initialized) == 0 {
		runtime.Gosched()
	}
}
