// Command stfsender is the §6.4 "Sender (C4)" process: deserializes STFs
// from its input channel and routes each to exactly one aggregator.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/hk"
	"github.com/tfpipe/tfpipe/sched"
	"github.com/tfpipe/tfpipe/sender"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/stfstats"
)

// reregisterEvery must stay comfortably below the scheduler's ephemeral
// registration TTL (20s) so a GC pause or a slow tick never lets this
// producer's entry expire while it is still alive.
const reregisterEvery = 8 * time.Second

func main() {
	selfID := flag.String("id", "", "this sender's identity, used for scheduler registration and liveness stats publication; empty generates one")
	inputAddr := flag.String("input-channel-name", ":9302", "tcp addr to accept the incoming STF connection on")
	outputAddrs := flag.String("output-channel-name", "", "comma-separated tcp addrs, one per aggregator, indexed 0..epn-count-1")
	epnCount := flag.Int("epn-count", 1, "aggregator count")
	schedulerPath := flag.String("scheduler-store", "", "buntdb path for the embedded scheduler store (':memory:' keeps it in process memory; empty disables scheduler routing)")
	compression := flag.String("compression", "", "\"\" or \"lz4\"")
	flag.Parse()

	addrs := strings.Split(*outputAddrs, ",")
	if *outputAddrs == "" || len(addrs) != *epnCount {
		cos.Exitf("output-channel-name must list exactly epn-count=%d addresses", *epnCount)
	}
	if *selfID == "" {
		*selfID = "sender-" + cos.CryptoRandS(6) + cos.GenTie()
	}

	cfg := cmn.GCO.Get()
	cfg.Sender.EPNCount = *epnCount
	cfg.Sender.Compression = *compression
	metrics := stfstats.New("stfsender")

	writers := make(map[string]io.Writer, len(addrs))
	for i, addr := range addrs {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			cos.Exitf("dial aggregator %d at %s: %v", i, addr, err)
		}
		defer conn.Close()
		writers[strconv.Itoa(i)] = conn
	}
	transport := sender.NewWriterTransport(writers, *compression)

	var client sched.Client
	if *schedulerPath != "" {
		store, err := sched.Open(*schedulerPath)
		if err != nil {
			cos.Exitf("open scheduler store: %v", err)
		}
		defer store.Close()
		client = store

		go hk.DefaultHK.Run()
		hk.WaitStarted()
		if err := store.RegisterProducer(*selfID); err != nil {
			nlog.Warningf("stfsender: register producer %s: %v", *selfID, err)
		}
		regName := "producer-register" + hk.NameSuffix
		hk.Reg(regName, func() time.Duration {
			if err := store.RegisterProducer(*selfID); err != nil {
				nlog.Warningf("stfsender: re-register producer %s: %v", *selfID, err)
			}
			return reregisterEvery
		}, reregisterEvery)
		defer hk.Unreg(regName)
	}

	s := sender.New(*selfID, cfg.Sender, client, transport, cfg.Serial, metrics)

	ln, err := net.Listen("tcp", *inputAddr)
	if err != nil {
		cos.Exitf("listen on %s: %v", *inputAddr, err)
	}
	defer ln.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		nlog.Infof("stfsender: shutting down")
		ln.Close()
		s.StopAll()
	}()

	conn, err := ln.Accept()
	if err != nil {
		nlog.Warningf("stfsender: accept: %v", err)
		return
	}
	defer conn.Close()

	for {
		item, err := stf.Deserialize(conn, cfg.Serial)
		if err != nil {
			if err == io.EOF {
				return
			}
			nlog.Errorf("stfsender: deserialize: %v", err)
			return
		}
		if err := s.Route(item); err != nil {
			nlog.Errorf("stfsender: route tf_id=%d: %v", item.Header.TFID, err)
		}
	}
}
