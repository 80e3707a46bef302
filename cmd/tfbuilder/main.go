// Command tfbuilder is the §6.4 "Aggregator (C5)" process: merges one STF
// per producer per tf-id into a TimeFrame, evicting stale buffers and
// broadcasting heartbeats to producers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tfpipe/tfpipe/aggregator"
	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/hk"
	"github.com/tfpipe/tfpipe/queue"
	"github.com/tfpipe/tfpipe/sched"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/stfstats"
)

// reregisterEvery must stay comfortably below the scheduler's ephemeral
// registration TTL (20s) so a GC pause or a slow tick never lets this
// aggregator's entry expire while it is still alive.
const reregisterEvery = 8 * time.Second

func main() {
	selfID := flag.String("id", "", "this aggregator's scheduler registration id; empty generates one")
	inputAddr := flag.String("input-channel-name", ":9303", "tcp addr to accept incoming STF connections on")
	flpCount := flag.Int("flp-count", 1, "producer count (N)")
	heartbeatAddrs := flag.String("producer-heartbeat-addrs", "", "comma-separated tcp addrs to broadcast heartbeats to")
	schedulerPath := flag.String("scheduler-store", "", "buntdb path for the embedded scheduler store (':memory:' keeps it in process memory; empty disables scheduler registration)")
	flag.Bool("gui", false, "unused placeholder for source-compatible flag surface")
	flag.Parse()

	if *flpCount < 1 {
		cos.Exitf("flp-count must be >= 1")
	}
	if *selfID == "" {
		*selfID = "aggregator-" + cos.CryptoRandS(6) + cos.GenTie()
	}

	cfg := cmn.GCO.Get()
	cfg.Aggregator.FLPCount = *flpCount
	metrics := stfstats.New("tfbuilder")

	go hk.DefaultHK.Run()
	hk.WaitStarted()

	out := queue.New[*stf.TimeFrame](256)
	a := aggregator.New(*flpCount, cfg.Aggregator.BufferTimeout, out, metrics)
	sweepName := a.RunSweeper(cfg.Aggregator.SweepInterval)
	defer hk.Unreg(sweepName)

	if *schedulerPath != "" {
		store, err := sched.Open(*schedulerPath)
		if err != nil {
			cos.Exitf("open scheduler store: %v", err)
		}
		defer store.Close()
		if err := store.RegisterAggregator(*selfID); err != nil {
			nlog.Warningf("tfbuilder: register aggregator %s: %v", *selfID, err)
		}
		regName := "aggregator-register" + hk.NameSuffix
		hk.Reg(regName, func() time.Duration {
			if err := store.RegisterAggregator(*selfID); err != nil {
				nlog.Warningf("tfbuilder: re-register aggregator %s: %v", *selfID, err)
			}
			return reregisterEvery
		}, reregisterEvery)
		defer hk.Unreg(regName)
	}

	mergerStop := make(chan struct{})
	go a.RunMerger(mergerStop)
	go func() {
		for {
			tf, ok := out.Pop()
			if !ok {
				return
			}
			nlog.Infof("tfbuilder: emitted tf_id=%d equipment_count=%d", tf.Header.TFID, tf.EquipmentCount())
		}
	}()

	var heartbeatStop chan struct{}
	if *heartbeatAddrs != "" {
		heartbeatStop = make(chan struct{})
		addrs := strings.Split(*heartbeatAddrs, ",")
		go aggregator.RunHeartbeat(heartbeatStop, addrs, cfg.Aggregator.HeartbeatEvery, func(addr string) error {
			conn, err := net.Dial("udp", addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			_, err = conn.Write([]byte(*inputAddr))
			return err
		})
	}

	ln, err := net.Listen("tcp", *inputAddr)
	if err != nil {
		cos.Exitf("listen on %s: %v", *inputAddr, err)
	}
	defer ln.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		nlog.Infof("tfbuilder: shutting down")
		ln.Close()
		close(mergerStop)
		out.Stop()
		if heartbeatStop != nil {
			close(heartbeatStop)
		}
	}()

	for i := 0; i < *flpCount; i++ {
		conn, err := ln.Accept()
		if err != nil {
			nlog.Warningf("tfbuilder: accept: %v", err)
			break
		}
		go func(c net.Conn) {
			defer c.Close()
			for {
				s, err := stf.Deserialize(c, cfg.Serial)
				if err != nil {
					if err != io.EOF {
						nlog.Errorf("tfbuilder: deserialize: %v", err)
					}
					return
				}
				if err := a.Insert(s); err != nil {
					nlog.Warningf("tfbuilder: insert tf_id=%d: %v", s.Header.TFID, err)
				}
			}
		}(conn)
	}

	select {}
}

