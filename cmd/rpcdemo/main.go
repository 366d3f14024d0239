/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Command rpcdemo brings up a small multi-compartment process in a
// single Go binary and drives the three literal end-to-end scenarios
// from the RPC core's design notes: a zero-arg call, a six-arg call,
// and a nested re-entrant call.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sebastianrauch/flexos-rpcgo/buildcfg"
	"github.com/sebastianrauch/flexos-rpcgo/compartment"
	"github.com/sebastianrauch/flexos-rpcgo/metrics"
	"github.com/sebastianrauch/flexos-rpcgo/shmem"
)

const (
	compApp    = compartment.AppCompartmentID
	compCallee = uint8(1)

	funcZeroArg = uint64(1)
	funcSum6    = uint64(2)
	funcA       = uint64(3)
	funcB       = uint64(4)

	rpcIndexS1 = 0
	rpcIndexS2 = 1
	rpcIndexS3 = 2
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("RPCDEMO_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	cfg := buildcfg.Default()
	cfg.CompartmentCount = 2
	cfg.MustValidate()

	region, err := shmem.NewSharedRegion(cfg)
	if err != nil {
		log.WithError(err).Fatal("allocating shared region")
	}
	defer region.Close()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := reg.Register(m); err != nil {
		log.WithError(err).Fatal("registering metrics collector")
	}
	serveMetrics(log, reg)

	app, err := compartment.New(cfg, region, compApp, m, log.WithField("role", "app"))
	if err != nil {
		log.WithError(err).Fatal("constructing app compartment")
	}
	callee, err := compartment.New(cfg, region, compCallee, m, log.WithField("role", "callee"))
	if err != nil {
		log.WithError(err).Fatal("constructing callee compartment")
	}

	registerFuncs(app, callee)

	app.Start(2)
	callee.Start(2)

	go callee.SignalReady()
	app.SignalReady()

	runScenarioS1(log, app)
	runScenarioS2(log, app)
	runScenarioS3(log, app)
}

// registerFuncs binds the demo's four functions into the two
// compartments' function-id tables. funcA lives on the callee
// compartment and calls back into funcB on the app compartment,
// exercising the nested re-entrant path of S3.
func registerFuncs(app, callee *compartment.Compartment) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(callee.RegisterFunc(funcZeroArg, func(args []uint64) uint64 {
		return 0xDEADBEEF
	}))

	must(callee.RegisterFunc(funcSum6, func(args []uint64) uint64 {
		var sum uint64
		for _, a := range args {
			sum += a
		}
		return sum
	}))

	must(callee.RegisterFunc(funcA, func(args []uint64) uint64 {
		ret, err := callee.Server.SendCall(compApp, rpcIndexS3, funcB, nil, true)
		if err != nil {
			panic(fmt.Errorf("funcA: nested call to funcB: %w", err))
		}
		return ret * 2
	}))

	must(app.RegisterFunc(funcB, func(args []uint64) uint64 {
		return 7
	}))
}

func runScenarioS1(log *logrus.Logger, app *compartment.Compartment) {
	ret, err := app.Server.SendCall(compCallee, rpcIndexS1, funcZeroArg, nil, true)
	if err != nil {
		log.WithError(err).Fatal("S1: zero-arg call failed")
	}
	log.WithField("ret", fmt.Sprintf("0x%X", ret)).Info("S1: zero-arg call returned")
	if ret != 0xDEADBEEF {
		log.Fatalf("S1: expected 0xDEADBEEF, got 0x%X", ret)
	}
}

func runScenarioS2(log *logrus.Logger, app *compartment.Compartment) {
	args := []uint64{1, 2, 3, 4, 5, 6}
	ret, err := app.Server.SendCall(compCallee, rpcIndexS2, funcSum6, args, true)
	if err != nil {
		log.WithError(err).Fatal("S2: six-arg call failed")
	}
	log.WithField("ret", ret).Info("S2: six-arg call returned")
	if ret != 21 {
		log.Fatalf("S2: expected 21, got %d", ret)
	}
}

func runScenarioS3(log *logrus.Logger, app *compartment.Compartment) {
	ret, err := app.Server.SendCall(compCallee, rpcIndexS3, funcA, nil, true)
	if err != nil {
		log.WithError(err).Fatal("S3: nested re-entrant call failed")
	}
	log.WithField("ret", ret).Info("S3: nested re-entrant call returned")
	if ret != 14 {
		log.Fatalf("S3: expected 14, got %d", ret)
	}
}

func serveMetrics(log *logrus.Logger, reg *prometheus.Registry) {
	addr := os.Getenv("RPCDEMO_METRICS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9109"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}
