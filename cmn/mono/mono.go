// Package mono provides a monotonic-clock helper for interval measurements
// (superpage sweep timing, STF/TF age checks) that must never be perturbed by
// wall-clock adjustments (NTP step, manual clock set).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime returns a monotonic nanosecond reading. The teacher package reads
// runtime.nanotime directly via go:linkname to shave a few dozen nanoseconds
// off of time.Now(); that trick is tied to specific runtime internals and
// breaks across Go versions without warning. Since tfpipe calls this at
// sweep/heartbeat granularity (hundreds of times per second at most, never in
// a per-payload hot path), the stdlib's own monotonic reading carried inside
// time.Time is the right tool here: readings are nanoseconds elapsed since
// epoch, measured with time.Since so that the monotonic part is used.
func NanoTime() int64 { return int64(time.Since(epoch)) }

var epoch = time.Now()

// Since returns the monotonic duration elapsed since a NanoTime() reading.
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }
