// Package sweep runs the periodic maintenance pass: flipping overdue
// requests to expired and purging chat channels whose requests closed longer
// ago than the retention window.
package sweep

import (
	"context"
	"time"

	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/store"
)

type Sweeper struct {
	requests  store.RequestStore
	channels  store.ChannelStore
	interval  time.Duration
	retention time.Duration
}

func New(requests store.RequestStore, channels store.ChannelStore, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		requests:  requests,
		channels:  channels,
		interval:  interval,
		retention: retention,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval. One pass runs
// immediately at start so a restart does not delay overdue expirations.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	defer logger.DeferLogDuration("sweep.pass", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now()
	expired, err := s.requests.ExpireDue(ctx, now)
	if err != nil {
		logger.Errorf("sweep: expire due: %v", err)
	} else if expired > 0 {
		logger.Infof("sweep: expired %d requests", expired)
	}

	purged, err := s.channels.PurgeClosed(ctx, now.Add(-s.retention))
	if err != nil {
		logger.Errorf("sweep: purge closed channels: %v", err)
	} else if purged > 0 {
		logger.Infof("sweep: purged %d channels", purged)
	}
}
