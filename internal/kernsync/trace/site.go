package trace

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
)

// SiteFrames is the number of frames kept per allocation site.
const SiteFrames = 8

// Site is a captured call stack.
type Site struct {
	PC [SiteFrames]uintptr
}

// SiteDepot deduplicates allocation sites by hash. Each unique stack is
// stored once and referenced by its 64-bit FNV-1a hash.
//
// The zero value is ready to use.
type SiteDepot struct {
	sites sync.Map // uint64 -> *Site
}

// Capture records the caller's stack, skipping skip additional frames, and
// returns its hash. Zero means no stack was available.
func (d *SiteDepot) Capture(skip int) uint64 {
	var pcs [SiteFrames]uintptr
	// runtime.Callers and Capture itself.
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return 0
	}

	h := hashPCs(pcs[:n])
	if _, ok := d.sites.Load(h); ok {
		return h
	}
	d.sites.Store(h, &Site{PC: pcs})
	return h
}

// Lookup returns the site stored under hash, or nil.
func (d *SiteDepot) Lookup(hash uint64) *Site {
	if hash == 0 {
		return nil
	}
	v, ok := d.sites.Load(hash)
	if !ok {
		return nil
	}
	return v.(*Site)
}

// Len returns the number of unique sites. O(n).
func (d *SiteDepot) Len() int {
	n := 0
	d.sites.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func hashPCs(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		_, _ = h.Write(b[:])
	}
	return h.Sum64()
}

// Format renders the site in the usual two-line-per-frame layout,
// omitting runtime frames:
//
//	main.worker()
//	    /path/to/file.go:45
func (s *Site) Format() string {
	if s == nil {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(s.PC[:])
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}
