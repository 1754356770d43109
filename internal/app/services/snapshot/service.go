package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/app_registry/internal/app/events"
	"github.com/R3E-Network/app_registry/internal/app/metrics"
	"github.com/R3E-Network/app_registry/internal/app/system"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

var _ system.Service = (*Service)(nil)

// Service saves a snapshot file on a cron schedule and once more on Stop.
// Each save also picks up records other processes wrote to the file.
type Service struct {
	file     *File
	schedule string
	log      *logger.Logger
	events   events.Sink

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewService schedules saves of file. schedule uses the standard five-field
// cron syntax or descriptors such as "@every 5m".
func NewService(file *File, schedule string, log *logger.Logger, sink events.Sink) (*Service, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("snapshot schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logger.NewDefault("snapshot")
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Service{file: file, schedule: schedule, log: log, events: sink}, nil
}

func (s *Service) Name() string { return "snapshot" }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { _ = s.Run(context.Background()) }); err != nil {
		return fmt.Errorf("schedule snapshot: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	s.log.WithField("path", s.file.Path()).WithField("schedule", s.schedule).Info("snapshot scheduler started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Run(ctx); err != nil {
		return err
	}
	s.log.Info("snapshot scheduler stopped")
	return nil
}

// Run saves one snapshot immediately.
func (s *Service) Run(ctx context.Context) error {
	snap, err := s.file.Save(ctx)
	metrics.RecordSnapshot(err == nil)

	if err != nil {
		s.events.Log(ctx, events.Event{
			Type:     events.EventSnapshotFailed,
			Severity: events.SeverityError,
			Error:    err.Error(),
		})
		s.log.WithError(err).WithField("path", s.file.Path()).Warn("snapshot failed")
		return err
	}

	s.events.Log(ctx, events.Event{
		Type:     events.EventSnapshotWritten,
		Registry: snap.Registry.ID.String(),
		Metadata: map[string]string{"path": s.file.Path(), "records": fmt.Sprint(len(snap.Records))},
	})
	s.log.WithField("path", s.file.Path()).WithField("records", len(snap.Records)).Debug("snapshot written")
	return nil
}
