// Package memory samples RSS for worker and executor CLI processes, so a
// worker can log peak/final memory usage alongside each task's result.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks memory usage of one or more processes by PID.
type Tracker struct {
	mu           sync.RWMutex
	workers      map[int]*WorkerMemory
	samplingRate time.Duration
}

// WorkerMemory is a point-in-time (plus peak) memory reading for one PID.
type WorkerMemory struct {
	PID         int       `json:"pid"`
	RSSBytes    int64     `json:"rss_bytes"`
	VMSBytes    int64     `json:"vms_bytes"`
	LastUpdated time.Time `json:"last_updated"`
	SampleCount int       `json:"sample_count"`
	PeakRSS     int64     `json:"peak_rss"`
}

// Stats aggregates memory statistics across all tracked processes.
type Stats struct {
	TotalWorkers      int       `json:"total_workers"`
	TotalRSSBytes     int64     `json:"total_rss_bytes"`
	AvgRSSBytes       int64     `json:"avg_rss_bytes"`
	PeakRSSBytes      int64     `json:"peak_rss_bytes"`
	LastUpdated       time.Time `json:"last_updated"`
	SystemTotalMB     int64     `json:"system_total_mb"`
	SystemAvailableMB int64     `json:"system_available_mb"`
	SystemUsedPercent float64   `json:"system_used_percent"`
}

// NewTracker builds a Tracker sampling every 5 seconds once Start is called.
func NewTracker() *Tracker {
	return &Tracker{
		workers:      make(map[int]*WorkerMemory),
		samplingRate: 5 * time.Second,
	}
}

// Track begins tracking pid.
func (t *Tracker) Track(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[pid] = &WorkerMemory{PID: pid, LastUpdated: time.Now()}
}

// Untrack stops tracking pid.
func (t *Tracker) Untrack(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, pid)
}

// Sample refreshes every tracked PID's reading, dropping PIDs that have
// exited.
func (t *Tracker) Sample() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pids []int
	for pid := range t.workers {
		pids = append(pids, pid)
	}

	for _, pid := range pids {
		mem, err := GetProcessMemory(pid)
		if err != nil {
			delete(t.workers, pid)
			continue
		}

		w := t.workers[pid]
		w.RSSBytes = mem.RSSBytes
		w.VMSBytes = mem.VMSBytes
		w.LastUpdated = time.Now()
		w.SampleCount++
		if mem.RSSBytes > w.PeakRSS {
			w.PeakRSS = mem.RSSBytes
		}
	}

	return nil
}

// GetStats returns aggregated memory statistics across all tracked PIDs,
// plus a system-wide snapshot.
func (t *Tracker) GetStats() *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := &Stats{TotalWorkers: len(t.workers), LastUpdated: time.Now()}
	if sysMem, err := GetSystemMemory(); err == nil {
		stats.SystemTotalMB = sysMem.TotalMB
		stats.SystemAvailableMB = sysMem.AvailableMB
		stats.SystemUsedPercent = sysMem.UsedPercent
	}
	if len(t.workers) == 0 {
		return stats
	}

	var totalRSS, peakRSS int64
	for _, w := range t.workers {
		totalRSS += w.RSSBytes
		if w.PeakRSS > peakRSS {
			peakRSS = w.PeakRSS
		}
	}
	stats.TotalRSSBytes = totalRSS
	stats.AvgRSSBytes = totalRSS / int64(len(t.workers))
	stats.PeakRSSBytes = peakRSS

	return stats
}

// GetWorkerMemory returns the latest reading for pid, if tracked.
func (t *Tracker) GetWorkerMemory(pid int) (*WorkerMemory, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.workers[pid]
	return w, ok
}

// ShouldThrottle reports whether system memory is below thresholdMB.
func (t *Tracker) ShouldThrottle(thresholdMB int64) bool {
	stats := t.GetStats()
	return stats.SystemAvailableMB > 0 && stats.SystemAvailableMB < thresholdMB
}

// Start launches the background sampling goroutine.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.samplingRate)
		defer ticker.Stop()
		for range ticker.C {
			_ = t.Sample()
		}
	}()
}

// GetProcessMemory reads /proc/[pid]/statm for a point-in-time RSS/VMS
// reading.
func GetProcessMemory(pid int) (*WorkerMemory, error) {
	statmPath := filepath.Join("/proc", strconv.Itoa(pid), "statm")
	data, err := os.ReadFile(statmPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", statmPath, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid statm format")
	}

	pageSize := int64(os.Getpagesize())

	vmsPages, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing vms: %w", err)
	}
	rssPages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing rss: %w", err)
	}

	return &WorkerMemory{
		PID:      pid,
		RSSBytes: rssPages * pageSize,
		VMSBytes: vmsPages * pageSize,
	}, nil
}

// SystemMemory is a system-wide memory snapshot.
type SystemMemory struct {
	TotalMB     int64   `json:"total_mb"`
	AvailableMB int64   `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetSystemMemory reads /proc/meminfo.
func GetSystemMemory() (*SystemMemory, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("reading /proc/meminfo: %w", err)
	}

	meminfo := make(map[string]int64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		meminfo[key] = value
	}

	totalKB := meminfo["MemTotal"]
	availableKB := meminfo["MemAvailable"]
	if availableKB == 0 {
		availableKB = meminfo["MemFree"] + meminfo["Buffers"] + meminfo["Cached"]
	}

	var usedPercent float64
	if totalKB > 0 {
		usedPercent = float64(totalKB-availableKB) / float64(totalKB) * 100
	}

	return &SystemMemory{
		TotalMB:     totalKB / 1024,
		AvailableMB: availableKB / 1024,
		UsedPercent: usedPercent,
	}, nil
}

// GetPID returns the current process's PID.
func GetPID() int {
	return os.Getpid()
}

// GetSelfMemory returns the current process's own memory reading.
func GetSelfMemory() (*WorkerMemory, error) {
	return GetProcessMemory(GetPID())
}

// FormatBytes renders a byte count for log lines and CLI tables.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(bytes))
}
