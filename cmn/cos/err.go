// Package cos provides low-level shared types and utilities used across tfpipe.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
)

// Bookkeeping errors (§7 taxonomy #2): logged, operation skipped, process
// continues. Never fatal, never cross a thread boundary as a panic.
var (
	ErrOutOfRegion  = errors.New("sub-buffer address is outside the arena's data region")
	ErrNotMarked    = errors.New("sub-buffer is not in the outstanding-borrow map")
	ErrSizeMismatch = errors.New("release size does not match the recorded borrow size")
	ErrAlreadyUsed  = errors.New("sub-buffer is already marked as outstanding")

	ErrDiscardedTF  = errors.New("tf-id was already discarded on timeout")
	ErrNoAggregator = errors.New("no aggregator available")
)

// ErrNotFound is a light "does not exist" marker distinct from sentinel errors
// above so that callers needing a formatted message don't have to fmt.Errorf
// around a sentinel (which would defeat errors.Is).
type ErrNotFound struct {
	what string
}

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// Errs accumulates up to a small bound of distinct errors - used where a
// sweep (e.g. a timeout pass) may encounter more than one failure but callers
// only care about "did anything go wrong" plus a representative sample.
type Errs struct {
	errs []error
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
	}
}

func (e *Errs) Empty() bool { return len(e.errs) == 0 }

func (e *Errs) Error() string {
	if e.Empty() {
		return ""
	}
	s := e.errs[0].Error()
	for _, err := range e.errs[1:] {
		s += "; " + err.Error()
	}
	return s
}
