// Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
package cos_test

import (
	"errors"
	"testing"

	"github.com/tfpipe/tfpipe/cmn/cos"
)

func TestErrsAddDedupsByMessage(t *testing.T) {
	var errs cos.Errs
	errs.Add(nil)
	if !errs.Empty() {
		t.Fatal("adding nil must not make Errs non-empty")
	}
	errs.Add(cos.ErrNotMarked)
	errs.Add(cos.ErrNotMarked) // duplicate message, must not double-count
	errs.Add(cos.ErrSizeMismatch)
	if errs.Empty() {
		t.Fatal("expected Errs to be non-empty after adding distinct errors")
	}
	want := cos.ErrNotMarked.Error() + "; " + cos.ErrSizeMismatch.Error()
	if got := errs.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestErrsCapsAtMaxErrs(t *testing.T) {
	var errs cos.Errs
	for i := 0; i < 10; i++ {
		errs.Add(cos.NewErrNotFound("item-%d", i))
	}
	// every message is distinct, so a naive accumulator would hold all 10;
	// Errs must stop growing at its internal bound of 4 instead.
	n := 0
	for _, r := range errs.Error() {
		if r == ';' {
			n++
		}
	}
	if n != 3 {
		t.Fatalf("expected exactly 4 retained errors (3 separators), got %d separators", n)
	}
}

func TestNewErrNotFoundIsDetectedByIsErrNotFound(t *testing.T) {
	err := cos.NewErrNotFound("aggregator %q", "agg-1")
	if !cos.IsErrNotFound(err) {
		t.Fatal("IsErrNotFound must recognize an *ErrNotFound")
	}
	if cos.IsErrNotFound(cos.ErrNoAggregator) {
		t.Fatal("IsErrNotFound must not match an unrelated sentinel")
	}
	if errors.Is(err, cos.ErrNoAggregator) {
		t.Fatal("ErrNotFound must not compare equal to an unrelated sentinel")
	}
}

func TestCryptoRandSLengthAndAlphabet(t *testing.T) {
	s := cos.CryptoRandS(12)
	if len(s) != 12 {
		t.Fatalf("CryptoRandS(12) length = %d, want 12", len(s))
	}
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			t.Fatalf("CryptoRandS produced non-alphanumeric rune %q", r)
		}
	}
}

func TestGenTieIsTwoBytes(t *testing.T) {
	tie := cos.GenTie()
	if len(tie) != 2 {
		t.Fatalf("GenTie() length = %d, want 2", len(tie))
	}
	// successive calls must not collide trivially (monotonic counter mixed
	// into both output bytes).
	if cos.GenTie() == tie {
		t.Fatal("successive GenTie() calls should not repeat immediately")
	}
}
