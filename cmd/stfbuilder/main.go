// Command stfbuilder is the §6.4 "Producer (C3)" process: accepts one
// readout connection per CRU link, groups messages into STFs per tf-id, and
// serializes finished STFs to the configured output channel.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tfpipe/tfpipe/builder"
	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/queue"
	"github.com/tfpipe/tfpipe/stf"
	"github.com/tfpipe/tfpipe/stfstats"
	"golang.org/x/sync/errgroup"
)

func main() {
	inputAddr := flag.String("input-channel-name", ":9301", "tcp addr to accept readout (CRU) connections on")
	outputAddr := flag.String("output-channel-name", "", "tcp addr to dial for the outgoing STF channel")
	cruCount := flag.Int("cru-count", 1, "number of CRU links (1..32)")
	flag.Bool("gui", false, "unused placeholder for source-compatible flag surface")
	flag.Parse()

	if *cruCount < 1 || *cruCount > 32 {
		cos.Exitf("cru-count %d out of range [1,32]", *cruCount)
	}
	if *outputAddr == "" {
		cos.Exitf("output-channel-name is required")
	}

	cfg := cmn.GCO.Get()
	metrics := stfstats.New("stfbuilder")

	ln, err := net.Listen("tcp", *inputAddr)
	if err != nil {
		cos.Exitf("listen on %s: %v", *inputAddr, err)
	}
	defer ln.Close()

	out, err := net.Dial("tcp", *outputAddr)
	if err != nil {
		cos.Exitf("dial output channel %s: %v", *outputAddr, err)
	}
	defer out.Close()

	q := queue.New[*stf.SubTimeFrame](cfg.Builder.QueueDepth)
	go func() {
		if err := builder.RunSerializer(q, out, cfg.Serial); err != nil {
			nlog.Errorf("stfbuilder: serializer: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		nlog.Infof("stfbuilder: shutting down")
		ln.Close()
		q.Stop()
	}()

	var g errgroup.Group
	for i := 0; i < *cruCount; i++ {
		conn, err := ln.Accept()
		if err != nil {
			nlog.Warningf("stfbuilder: accept: %v", err)
			break
		}
		ch := &builder.Channel{
			ID:             i,
			RawDescription: [16]byte{'R', 'A', 'W'},
			RawOrigin:      [4]byte{'T', 'P', 'C'},
			MaxHBFrames:    256,
		}
		conn := conn
		g.Go(func() error {
			defer conn.Close()
			return ch.RunReceiver(conn, q, metrics)
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			nlog.Errorf("stfbuilder: a readout channel exited with error: %v", err)
		} else {
			nlog.Infof("stfbuilder: all readout channels closed")
		}
	}()

	select {}
}
