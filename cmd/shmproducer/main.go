// Command shmproducer is the §6.4 "shared-memory producer": owns the C1
// arena, generating synthetic readout payloads backed by arena sub-buffers
// for downstream STF builders to consume. The free-shm channel name is only
// recorded in the arena config; no back-channel is opened, and each
// sub-buffer is released by this process right after it has been written.
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
	"time"

	"github.com/tfpipe/tfpipe/cmn"
	"github.com/tfpipe/tfpipe/cmn/cos"
	"github.com/tfpipe/tfpipe/cmn/nlog"
	"github.com/tfpipe/tfpipe/memsys"
	"github.com/tfpipe/tfpipe/wire"
)

func main() {
	dataShmSize := flag.Int64("data-shm-region-size", cmn.DefaultConfig().Arena.DataRegionSize, "bytes in the data shm region")
	descShmSize := flag.Int64("desc-shm-region-size", cmn.DefaultConfig().Arena.DescRegionSize, "bytes in the descriptor shm region")
	superpageSize := flag.Int64("cru-superpage-size", cmn.DefaultSuperpageSize, "superpage size, power of two")
	freeChan := flag.String("free-shm-channel-name", "free-shm", "free-shm back-channel name")
	outputAddr := flag.String("output-channel-name", "", "tcp addr to dial for the readout output channel; empty dials nothing and drops output")
	linkCount := flag.Int("cru-count", 1, "number of CRU links (1..32)")
	flag.Parse()

	if *linkCount < 1 || *linkCount > 32 {
		cos.Exitf("cru-count %d out of range [1,32]", *linkCount)
	}

	cfg := cmn.ArenaConfig{
		DataRegionSize: *dataShmSize,
		DescRegionSize: *descShmSize,
		SuperpageSize:  *superpageSize,
		SubBufferSize:  cmn.DefaultSubBufferSize,
		FreeChanName:   *freeChan,
	}
	arena, err := memsys.NewArena(cfg)
	if err != nil {
		cos.Exitf("arena init: %v", err)
	}
	defer arena.Close()

	var conn net.Conn
	if *outputAddr != "" {
		conn, err = net.Dial("tcp", *outputAddr)
		if err != nil {
			cos.Exitf("dial output channel %s: %v", *outputAddr, err)
		}
		defer conn.Close()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var tfID uint32
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			nlog.Infof("shmproducer: shutting down, free_count=%d", arena.FreeCount())
			return
		case <-ticker.C:
			tfID++
			if conn == nil {
				continue
			}
			for link := 0; link < *linkCount; link++ {
				sp, ok := arena.AcquireSuperpage()
				if !ok {
					nlog.Warningf("shmproducer: free stack empty, dropping tf_id=%d link=%d", tfID, link)
					continue
				}
				if err := arena.MarkUsed(sp.Addr, arena.SubBufferSize()); err != nil {
					nlog.Warningf("shmproducer: mark used: %v", err)
					continue
				}
				payload := sp.Data(arena)[:arena.SubBufferSize()]
				hdr := &wire.ReadoutSubTFHeader{TFID: tfID, HBFrameCount: 1, LinkID: uint8(link)}
				if err := wire.WriteReadoutSubTFHeader(conn, hdr); err != nil {
					nlog.Errorf("shmproducer: write header: %v", err)
					return
				}
				if err := wire.WritePayload(conn, payload); err != nil {
					nlog.Errorf("shmproducer: write payload: %v", err)
					return
				}
				// synthetic workload: release immediately, mirroring the
				// free-shm back-channel posting a sub-buffer's address/size
				// back once the consumer is done with it (§9).
				if err := arena.Release(sp.Addr, arena.SubBufferSize()); err != nil {
					nlog.Warningf("shmproducer: release: %v", err)
				}
			}
		}
	}
}
