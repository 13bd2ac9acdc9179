package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var startedAt = time.Now()

// healthz reports liveness plus basic process stats. Unauthenticated: load
// balancers and probes hit it without credentials.
func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			stats["rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			stats["cpu_percent"] = cpu
		}
		if threads, err := proc.NumThreads(); err == nil {
			stats["threads"] = threads
		}
	}

	writeJSON(w, http.StatusOK, stats)
}
