package persistence

import (
	"context"
	"sync"
)

// Probe is a dependency the readiness endpoint checks.
type Probe interface {
	Name() string
	Ping(ctx context.Context) error
}

// CheckAll pings every probe concurrently and returns the failures keyed by
// probe name. An empty map means every dependency is reachable.
func CheckAll(ctx context.Context, probes ...Probe) map[string]string {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = map[string]string{}
	)
	for _, probe := range probes {
		if probe == nil {
			continue
		}
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			if err := p.Ping(ctx); err != nil {
				mu.Lock()
				failures[p.Name()] = err.Error()
				mu.Unlock()
			}
		}(probe)
	}
	wg.Wait()
	return failures
}
