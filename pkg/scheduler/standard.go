package scheduler

import "sync"

var (
	standardOnce sync.Once
	lightweight  *Handler
	downloads    *Handler
)

func initStandard() {
	standardOnce.Do(func() {
		lightweight = New()
		downloads = New()
	})
}

// Lightweight returns the process-wide handler for cheap requests (status
// probes, arbitrary HTTP operations).
func Lightweight() *Handler {
	initStandard()
	return lightweight
}

// Downloads returns the process-wide handler for file downloads.
func Downloads() *Handler {
	initStandard()
	return downloads
}
