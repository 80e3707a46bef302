// Package nlog is tfpipe's leveled logger: severities, a call-site prefix,
// and a pool of reusable line buffers so that hot paths (per-STF, per-TF
// logging) don't allocate on every call.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

var (
	mw           sync.Mutex
	out    io.Writer = os.Stderr
	toFile *os.File

	toStderr     bool
	alsoToStderr bool

	pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}
)

// InitFlags wires the two flags the teacher's nlog exposes; flag parsing
// itself is an external concern (§1 out-of-scope), this only registers the
// variables so a caller's own flag.Parse can set them.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of a file")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as a file")
}

// SetOutputFile redirects file-backed logging (when !toStderr) to the given
// path, opening it for append. Passing "" reverts to stderr-only.
func SetOutputFile(path string) error {
	mw.Lock()
	defer mw.Unlock()
	if toFile != nil {
		toFile.Close()
		toFile = nil
	}
	if path == "" {
		out = os.Stderr
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	toFile = f
	out = f
	return nil
}

func Infof(format string, args ...any)    { log(sevInfo, 1, format, args...) }
func Infoln(args ...any)                  { logln(sevInfo, 1, args...) }
func Warningf(format string, args ...any) { log(sevWarn, 1, format, args...) }
func Warningln(args ...any)               { logln(sevWarn, 1, args...) }
func Errorf(format string, args ...any)   { log(sevErr, 1, format, args...) }
func Errorln(args ...any)                 { logln(sevErr, 1, args...) }

func log(sev severity, depth int, format string, args ...any) {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	writeHdr(b, sev, depth+1)
	fmt.Fprintf(b, format, args...)
	emit(b)
}

func logln(sev severity, depth int, args ...any) {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	writeHdr(b, sev, depth+1)
	fmt.Fprint(b, args...)
	emit(b)
}

func emit(b *bytes.Buffer) {
	if b.Len() == 0 || b.Bytes()[b.Len()-1] != '\n' {
		b.WriteByte('\n')
	}
	mw.Lock()
	if toStderr {
		os.Stderr.Write(b.Bytes())
	} else {
		out.Write(b.Bytes())
		if alsoToStderr {
			os.Stderr.Write(b.Bytes())
		}
	}
	mw.Unlock()
	pool.Put(b)
}

func writeHdr(b *bytes.Buffer, sev severity, depth int) {
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
}
