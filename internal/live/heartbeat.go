package live

import (
	"sync"
	"time"
)

// startHeartbeat calls beat every interval until the returned stop func is
// called. stop waits for the ticking goroutine to exit.
func startHeartbeat(interval time.Duration, beat func()) (stop func()) {
	if interval <= 0 || beat == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				beat()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
