package s3

import (
	"sync"
	"time"
)

// TransferStats tracks mirror transfers
type TransferStats struct {
	Uploads         int64         `json:"uploads"`
	Downloads       int64         `json:"downloads"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	CargoShipUploads int64 `json:"cargoship_uploads"`
	FallbackEvents   int64 `json:"fallback_events"`
}

// statsCollector aggregates TransferStats
type statsCollector struct {
	mu    sync.RWMutex
	stats TransferStats
}

// recordLatency folds one attempt into the rolling average latency
func (sc *statsCollector) recordLatency(duration time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.stats.AverageLatency == 0 {
		sc.stats.AverageLatency = duration
		return
	}
	sc.stats.AverageLatency = time.Duration(
		(int64(sc.stats.AverageLatency)*9 + int64(duration)) / 10,
	)
}

func (sc *statsCollector) recordError(err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.Errors++
	sc.stats.LastError = err.Error()
	sc.stats.LastErrorTime = time.Now()
}

func (sc *statsCollector) recordUpload(bytes int64, cargoShip bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.Uploads++
	sc.stats.BytesUploaded += bytes
	if cargoShip {
		sc.stats.CargoShipUploads++
	}
}

func (sc *statsCollector) recordDownload(bytes int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.Downloads++
	sc.stats.BytesDownloaded += bytes
}

func (sc *statsCollector) recordFallback() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.FallbackEvents++
}

func (sc *statsCollector) snapshot() TransferStats {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.stats
}
