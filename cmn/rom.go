// Package cmn provides common types, constants, and the process-wide
// configuration used across all of tfpipe's components.
/*
 * Copyright (c) 2023-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import "time"

// readMostly caches a handful of config fields (buffer timeout, heartbeat
// expiry, liveness K). Assigned on the first GCO.Get and whenever a new
// Config is Put. No component reads it: the aggregator and sender take
// these values from the config they were constructed with.
type readMostly struct {
	bufferTimeout  time.Duration
	heartbeatTTL   time.Duration
	livenessEveryK int
}

var Rom readMostly

func (rom *readMostly) set(c *Config) {
	rom.bufferTimeout = c.Aggregator.BufferTimeout
	rom.heartbeatTTL = c.Sender.HeartbeatTimeout
	rom.livenessEveryK = c.Sender.LivenessEveryK
}

func (rom *readMostly) BufferTimeout() time.Duration { return rom.bufferTimeout }
func (rom *readMostly) HeartbeatTTL() time.Duration  { return rom.heartbeatTTL }
func (rom *readMostly) LivenessEveryK() int          { return rom.livenessEveryK }
