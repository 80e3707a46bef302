// Package cos provides low-level shared types and utilities used across tfpipe.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

// Alphabet for generating IDs similar to shortid.DEFAULT_ABC but reshuffled,
// matching the upstream convention of not using the library's default table
// verbatim across deployments.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9 // https://github.com/teris-io/shortid#id-length

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

// InitShortID seeds the process-wide ID generator used by GenUUID. Call once
// at startup. No command in tfpipe calls GenUUID: cmd/stfsender and
// cmd/tfbuilder build their default ids from CryptoRandS and GenTie.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenUUID returns a short, filesystem- and URL-safe identifier.
func GenUUID() string {
	if sid == nil {
		InitShortID(1)
	}
	return sid.MustGenerate()
}

// GenTie returns a short tie-breaker string, used when two IDs otherwise
// collide during ephemeral scheduler registration.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[(^tie)&0x3f]
	return string([]byte{b0, b1})
}

// CryptoRandS returns a cryptographically random alphanumeric string of
// length l, used for node IDs that must not be predictable across restarts.
func CryptoRandS(l int) string {
	const abc = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, l)
	buf := make([]byte, l)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a platform-level fault; there is no safe
		// fallback that preserves the "unpredictable ID" contract.
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	for i, c := range buf {
		b[i] = abc[int(c)%len(abc)]
	}
	return string(b)
}
