// Package proc reads per-window process statistics from /proc, feeding the
// status command's --stats view.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Stats contains process statistics for one window's service process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"` // CPU usage as percentage (0-100+)
	MemoryMB   int64   `json:"memory_mb"`   // Resident memory in megabytes
	MemoryRSS  int64   `json:"memory_rss"`  // Resident set size in bytes
	VirtualMB  int64   `json:"virtual_mb"`  // Virtual memory in megabytes
	State      string  `json:"state"`       // Process state (R, S, D, Z, T, etc.)
	Threads    int     `json:"threads"`     // Number of threads
}

type procStat struct {
	utime   uint64 // User mode jiffies
	stime   uint64 // Kernel mode jiffies
	state   byte
	threads int
	vsize   uint64 // Virtual memory size in bytes
	rss     int64  // Resident set size in pages
}

type cpuSnapshot struct {
	utime     uint64
	stime     uint64
	timestamp time.Time
}

// CPUTracker computes CPU percentages between successive ReadStats calls for
// the same PID.
type CPUTracker struct {
	snapshots map[int]cpuSnapshot
}

func NewCPUTracker() *CPUTracker {
	return &CPUTracker{snapshots: make(map[int]cpuSnapshot)}
}

// ReadStats reads process statistics for a single PID. A non-nil tracker
// enables CPU percentage calculation across calls.
func ReadStats(pid int, tracker *CPUTracker) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}

	ps, err := readProcStat(pid)
	if err != nil {
		return nil, errors.Wrap(err, "read /proc stat")
	}

	pageSize := int64(os.Getpagesize())
	memRSS := ps.rss * pageSize

	stats := &Stats{
		PID:       pid,
		MemoryRSS: memRSS,
		MemoryMB:  memRSS / (1024 * 1024),
		VirtualMB: int64(ps.vsize) / (1024 * 1024),
		State:     string(ps.state),
		Threads:   ps.threads,
	}

	if tracker != nil {
		now := time.Now()
		totalTime := ps.utime + ps.stime

		if prev, ok := tracker.snapshots[pid]; ok {
			elapsed := now.Sub(prev.timestamp).Seconds()
			if elapsed > 0 {
				cpuDelta := float64(totalTime - (prev.utime + prev.stime))
				// Jiffies to seconds at the standard 100 Hz.
				stats.CPUPercent = (cpuDelta / 100.0 / elapsed) * 100.0
			}
		}

		tracker.snapshots[pid] = cpuSnapshot{utime: ps.utime, stime: ps.stime, timestamp: now}
	}

	return stats, nil
}

// CleanupStale removes snapshots for PIDs no longer in the provided list.
func (t *CPUTracker) CleanupStale(activePIDs []int) {
	active := make(map[int]bool)
	for _, pid := range activePIDs {
		active[pid] = true
	}
	for pid := range t.snapshots {
		if !active[pid] {
			delete(t.snapshots, pid)
		}
	}
}

func readProcStat(pid int) (*procStat, error) {
	path := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read stat file")
	}

	// The comm field can contain spaces and parentheses, so parse from the
	// last ')'.
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return nil, errors.New("malformed stat file: no closing paren")
	}

	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 22 {
		return nil, fmt.Errorf("malformed stat file: expected 22+ fields, got %d", len(fields))
	}

	// 0-based indices after comm: 0 state, 11 utime, 12 stime,
	// 17 num_threads, 20 vsize, 21 rss.
	ps := &procStat{state: fields[0][0]}

	if ps.utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse utime")
	}
	if ps.stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse stime")
	}
	if ps.threads, err = strconv.Atoi(fields[17]); err != nil {
		return nil, errors.Wrap(err, "parse num_threads")
	}
	if ps.vsize, err = strconv.ParseUint(fields[20], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse vsize")
	}
	if ps.rss, err = strconv.ParseInt(fields[21], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse rss")
	}

	return ps, nil
}
