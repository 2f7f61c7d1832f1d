package measurer

import (
	"context"
	"time"

	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Progress is a snapshot of a running phase.
type Progress struct {
	Direction spec.Direction
	Bytes     int64
	Elapsed   time.Duration
}

// startProgress starts a goroutine that samples counter at memoryless
// intervals with the given mean and passes every sample to fn. It returns a
// function that stops the goroutine and waits for it to exit.
func startProgress(ctx context.Context, direction spec.Direction, start time.Time,
	counter func() int64, interval time.Duration, fn func(Progress)) func() {
	ctx, cancel := context.WithCancel(ctx)
	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      interval / 2,
		Expected: interval,
		Max:      interval * 2,
	})
	if err != nil {
		cancel()
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(Progress{
					Direction: direction,
					Bytes:     counter(),
					Elapsed:   time.Since(start),
				})
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
