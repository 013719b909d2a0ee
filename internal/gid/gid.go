// Package gid identifies the calling goroutine.
//
// The pack under study names a module for exactly this purpose
// (joeycumines-go-utilpkg/goroutineid), but no source file for it was
// retrieved alongside its go.mod, so there was nothing to ground an import
// against. This is the same narrow helper, reimplemented directly against
// runtime.Stack rather than imported blind; see DESIGN.md.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the numeric ID of the calling goroutine, as reported in
// the "goroutine N [...]" header line of a runtime.Stack dump.
//
// sched keys its current-thread registry by this ID (Manager.Current), and
// Kill and Suspend use that lookup to tell a call on the caller's own thread
// from a call on another one.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
