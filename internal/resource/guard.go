// Package resource samples host disk and memory headroom before a
// generation attempt starts. It only observes; retry policy lives with
// the pipeline controller.
package resource

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

const (
	// minFreeDiskBytes is the floor of free space on the output volume
	// below which an attempt is not started at all.
	minFreeDiskBytes = 100 << 20

	// defaultMemoryCeilingBytes bounds our own resident set. Frame pools
	// and encoder buffers are the only large allocations, so crossing it
	// means something is leaking between attempts.
	defaultMemoryCeilingBytes = 1 << 30
)

var (
	// ErrLowDisk reports insufficient free space on the output volume.
	ErrLowDisk = errors.New("insufficient free disk space")

	// ErrHighMemory reports resident memory above the configured ceiling.
	ErrHighMemory = errors.New("resident memory above ceiling")
)

// Snapshot is a point-in-time sample of the resources the pipeline cares
// about. Values are observations, never reservations.
type Snapshot struct {
	FreeDiskBytes       uint64
	ResidentMemoryBytes uint64
}

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (free uint64, err error)

// residentFunc allows tests to stub the process resident set size.
type residentFunc func() (uint64, error)

// Guard checks resource headroom against fixed thresholds.
type Guard struct {
	minFreeDisk   uint64
	memoryCeiling uint64

	statfs   statfsFunc
	resident residentFunc
}

// NewGuard returns a guard with the default thresholds. A zero
// memoryCeiling selects the default; minFreeDisk is not configurable
// because a full volume fails the same way regardless of settings.
func NewGuard(memoryCeiling uint64) *Guard {
	if memoryCeiling == 0 {
		memoryCeiling = defaultMemoryCeilingBytes
	}
	return &Guard{
		minFreeDisk:   minFreeDiskBytes,
		memoryCeiling: memoryCeiling,
		statfs:        realStatfs,
		resident:      realResident,
	}
}

// Sample reads current free disk space at path and the process resident
// set without judging either.
func (g *Guard) Sample(path string) (Snapshot, error) {
	var s Snapshot
	free, err := g.statfs(path)
	if err != nil {
		return s, fmt.Errorf("resource: statfs %s: %w", path, err)
	}
	rss, err := g.resident()
	if err != nil {
		return s, fmt.Errorf("resource: resident memory: %w", err)
	}
	s.FreeDiskBytes = free
	s.ResidentMemoryBytes = rss
	return s, nil
}

// Check samples and compares against the thresholds. On violation it
// returns the snapshot alongside ErrLowDisk or ErrHighMemory so callers
// can both classify and report the observed numbers.
func (g *Guard) Check(path string) (Snapshot, error) {
	s, err := g.Sample(path)
	if err != nil {
		return s, err
	}
	if s.FreeDiskBytes < g.minFreeDisk {
		return s, fmt.Errorf("%w: %d bytes free at %s, need %d",
			ErrLowDisk, s.FreeDiskBytes, path, g.minFreeDisk)
	}
	if s.ResidentMemoryBytes > g.memoryCeiling {
		return s, fmt.Errorf("%w: %d bytes resident, ceiling %d",
			ErrHighMemory, s.ResidentMemoryBytes, g.memoryCeiling)
	}
	return s, nil
}

func realStatfs(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// realResident reads the resident set from /proc/self/statm, falling back
// to the Go runtime's own accounting where procfs is unavailable.
func realResident() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			pages, perr := strconv.ParseUint(fields[1], 10, 64)
			if perr == nil {
				return pages * uint64(syscall.Getpagesize()), nil
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys, nil
}
