package async

import (
	"fmt"
	"runtime"
	"time"
)

const bytesPerGB = 1 << 30

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing a task
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	RunsStarted   int64   `json:"runs_started"`    // Runs started since Start
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	ProcessRSSMB  float64 `json:"process_rss_mb"`  // Resident memory of this process
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// calculateSafeWorkerCount recommends a worker count for the available memory,
// budgeting a quarter GB per concurrent task.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB per concurrent task
	const memoryBuffer = 1.0     // GB reserved for the rest of the system

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / bytesPerGB
		memUsedGB = float64(total-available) / bytesPerGB
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var rssMB float64
	if rss, err := getProcessRSS(); err == nil {
		rssMB = float64(rss) / (1 << 20)
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	started := wp.runsStarted
	startTime := wp.startTime
	wp.mu.Unlock()

	var uptime float64
	if !startTime.IsZero() {
		uptime = time.Since(startTime).Seconds()
	}

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.workers,
		RunsStarted:   started,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		ProcessRSSMB:  rssMB,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: uptime,
	}
}

// checkMemoryPressure returns a warning if the worker count looks too high
// for available memory, or an empty string.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / bytesPerGB
	totalGB := float64(total) / bytesPerGB
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
