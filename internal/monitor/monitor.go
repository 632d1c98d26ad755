// Package monitor samples map host state on an interval and writes it to a
// status file and an optional point sink.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/OCAP2/mapsync/internal/maphost"
)

const (
	defaultInterval = 10 * time.Second
	measurement     = "host_status"
)

// StatsSource is implemented by *maphost.Host.
type StatsSource interface {
	Stats() maphost.Stats
}

// Sink receives status points.
type Sink interface {
	WritePoint(ctx context.Context, p *write.Point) error
}

// Dependencies holds all dependencies for the monitor service.
type Dependencies struct {
	Hosts    []StatsSource
	Sink     Sink
	Interval time.Duration
	// StatusPath, when set, is rewritten with the latest sample as JSON.
	StatusPath string
	Logger     *slog.Logger
}

// Status is one sample of one host.
type Status struct {
	Time     time.Time `json:"time"`
	HostID   string    `json:"hostId"`
	State    string    `json:"state"`
	Markers  int       `json:"markers"`
	Variants int       `json:"variants"`
}

// Service manages status monitoring.
type Service struct {
	deps   Dependencies
	logger *slog.Logger

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service.
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = defaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps, logger: deps.Logger.With("component", "monitor")}
}

// IsRunning returns whether the status monitor is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample reads the current status of every host.
func (s *Service) Sample(now time.Time) []Status {
	out := make([]Status, 0, len(s.deps.Hosts))
	for _, h := range s.deps.Hosts {
		st := h.Stats()
		out = append(out, Status{
			Time:     now,
			HostID:   st.ID,
			State:    st.State.String(),
			Markers:  st.Markers,
			Variants: st.Variants,
		})
	}
	return out
}

// Point converts a status into a host_status point.
func Point(st Status) *write.Point {
	return write.NewPoint(measurement,
		map[string]string{"host": st.HostID, "state": st.State},
		map[string]interface{}{"markers": st.Markers, "variants": st.Variants},
		st.Time,
	)
}

// Tick takes one sample and writes it out.
func (s *Service) Tick(ctx context.Context) {
	samples := s.Sample(time.Now())

	if s.deps.StatusPath != "" {
		if err := writeStatusFile(s.deps.StatusPath, samples); err != nil {
			s.logger.Error("Error writing status file", "error", err)
		}
	}

	if s.deps.Sink == nil {
		return
	}
	for _, st := range samples {
		if err := s.deps.Sink.WritePoint(ctx, Point(st)); err != nil {
			s.logger.Error("Error writing status point", "host", st.HostID, "error", err)
		}
	}
}

// Start starts the status monitor goroutine.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(s.stopChan, s.done)
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Service) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	s.logger.Debug("Starting status monitor", "interval", s.deps.Interval)
	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func writeStatusFile(path string, samples []Status) error {
	data, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
