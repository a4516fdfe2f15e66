package metrics

import (
	"context"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/rs/zerolog"
)

// DefaultSampleInterval is how often destination free space is sampled.
const DefaultSampleInterval = time.Minute

// Sampler periodically records the free space of backup destinations.
type Sampler struct {
	metrics      *PrometheusMetrics
	space        backup.SpaceChecker
	destinations func() []string
	interval     time.Duration
	logger       zerolog.Logger
	stop         chan struct{}
	done         chan struct{}
}

// NewSampler creates a new free-space sampler. destinations is consulted on
// every tick so configuration changes are picked up.
func NewSampler(m *PrometheusMetrics, space backup.SpaceChecker, destinations func() []string, interval time.Duration, logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		metrics:      m,
		space:        space,
		destinations: destinations,
		interval:     interval,
		logger:       logger.With().Str("component", "metrics_sampler").Logger(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start samples once immediately, then every interval until ctx ends or
// Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	s.sample()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	for _, dest := range s.destinations() {
		if dest == "" {
			continue
		}
		free, err := s.space.FreeBytes(dest)
		if err != nil {
			s.logger.Debug().Err(err).Str("destination", dest).Msg("failed to sample free space")
			continue
		}
		s.metrics.SetDestinationFree(dest, free)
	}
}

// Stop signals the sampler to stop and waits for it to finish.
func (s *Sampler) Stop() {
	close(s.stop)
	<-s.done
}
