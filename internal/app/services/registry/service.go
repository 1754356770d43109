// Package registry implements the application registry: a single table mapping
// normalized application names to their on-chain deployment records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/app_registry/internal/app/domain/apps"
	"github.com/R3E-Network/app_registry/internal/app/domain/name"
	"github.com/R3E-Network/app_registry/internal/app/events"
	"github.com/R3E-Network/app_registry/internal/app/metrics"
	"github.com/R3E-Network/app_registry/internal/app/objects"
	"github.com/R3E-Network/app_registry/internal/app/storage"
	"github.com/R3E-Network/app_registry/pkg/logger"
)

// AddRecordRequest registers a new application.
type AddRecordRequest struct {
	Name           string
	PackageInfoID  apps.ObjectID
	PackageAddress apps.Address
	// AppCapID is optional under AppCapPlaceholder.
	AppCapID apps.ObjectID
}

// SetNetworkRequest records the deployment of an application on one network.
type SetNetworkRequest struct {
	Name           string
	Network        string
	PackageInfoID  apps.ObjectID
	PackageAddress apps.Address
	AppCapID       apps.ObjectID
}

// SetAppInfoRequest fills the canonical deployment of a record.
type SetAppInfoRequest struct {
	Name     string
	Info     apps.AppInfo
	AppCapID apps.ObjectID
}

// SetMetadataRequest upserts one metadata entry.
type SetMetadataRequest struct {
	Name     string
	Key      string
	Value    string
	AppCapID apps.ObjectID
}

// Service owns one registry instance. All state lives in the RecordStore, so
// several Service values over the same store observe the same registry.
type Service struct {
	id         apps.ObjectID
	store      storage.RecordStore
	alloc      objects.Allocator
	normalizer name.Normalizer
	auth       Authorizer
	events     events.Sink
	capPolicy  AppCapPolicy
	log        *logger.Logger
}

// Option customises a Service.
type Option func(*Service)

func WithLogger(log *logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithNormalizer(n name.Normalizer) Option {
	return func(s *Service) {
		if n != nil {
			s.normalizer = n
		}
	}
}

func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) {
		if a != nil {
			s.auth = a
		}
	}
}

func WithEvents(sink events.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.events = sink
		}
	}
}

func WithAppCapPolicy(p AppCapPolicy) Option {
	return func(s *Service) {
		if p != "" {
			s.capPolicy = p
		}
	}
}

// New constructs the registry identified by id.
func New(id apps.ObjectID, store storage.RecordStore, alloc objects.Allocator, opts ...Option) *Service {
	s := &Service{
		id:         id,
		store:      store,
		alloc:      alloc,
		normalizer: name.Default,
		auth:       AllowAll,
		events:     events.Discard,
		capPolicy:  AppCapPlaceholder,
		log:        logger.NewDefault("registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the registry's object id.
func (s *Service) ID() apps.ObjectID { return s.id }

// Descriptor returns the registry descriptor.
func (s *Service) Descriptor() apps.Registry { return apps.Registry{ID: s.id} }

// Name implements system.Service.
func (s *Service) Name() string { return "registry" }

// Start publishes the current record count.
func (s *Service) Start(ctx context.Context) error {
	count, err := s.store.CountRecords(ctx)
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	metrics.SetRecordCount(s.id.String(), count)
	s.log.WithField("registry", s.id.String()).
		WithField("records", count).
		Info("app registry ready")
	return nil
}

func (s *Service) Stop(context.Context) error { return nil }

// AddRecord registers a new application under the normalized name. The record
// starts with the canonical deployment set, no networks, no metadata and a
// freshly allocated storage handle.
func (s *Service) AddRecord(ctx context.Context, req AddRecordRequest) (rec apps.AppRecord, err error) {
	start := time.Now()
	defer func() { s.observe(OpAddRecord, start, err) }()

	n, err := s.normalize(req.Name)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if s.capPolicy == AppCapRequired && req.AppCapID.IsZero() {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, ErrAppCapRequired)
	}
	if err = s.authorize(ctx, Mutation{Op: OpAddRecord, Name: n, AppCapID: req.AppCapID}); err != nil {
		return apps.AppRecord{}, err
	}

	// checked before allocation so a duplicate does not consume an id
	exists, err := s.store.HasRecord(ctx, n)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if exists {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, ErrDuplicateName)
	}

	storageID, err := s.alloc.NewID(ctx)
	if err != nil {
		return apps.AppRecord{}, fmt.Errorf("allocate storage: %w", err)
	}

	rec, err = s.store.InsertRecord(ctx, n, apps.AppRecord{
		AppCapID: req.AppCapID,
		AppInfo:  apps.Canonical(apps.NewAppInfo(req.PackageInfoID, req.PackageAddress)),
		Networks: map[string]apps.AppInfo{},
		Metadata: map[string]string{},
		Storage:  storageID,
	})
	if err != nil {
		return apps.AppRecord{}, s.translate(n, err)
	}

	metrics.IncRecordCount(s.id.String())
	s.emit(ctx, events.Event{Type: events.EventRecordAdded, Name: n.String()})
	s.log.WithField("name", n.String()).
		WithField("package_address", req.PackageAddress.String()).
		WithField("storage", storageID.String()).
		Info("app record added")
	return rec, nil
}

// SetNetwork inserts or replaces the deployment of an existing record on one
// network. No other part of the record changes.
func (s *Service) SetNetwork(ctx context.Context, req SetNetworkRequest) (rec apps.AppRecord, err error) {
	start := time.Now()
	defer func() { s.observe(OpSetNetwork, start, err) }()

	n, err := s.normalize(req.Name)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if strings.TrimSpace(req.Network) == "" {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, ErrInvalidNetwork)
	}
	if err = s.authorize(ctx, Mutation{Op: OpSetNetwork, Name: n, Network: req.Network, AppCapID: req.AppCapID}); err != nil {
		return apps.AppRecord{}, err
	}

	info := apps.NewAppInfo(req.PackageInfoID, req.PackageAddress)
	rec, err = s.store.UpdateRecord(ctx, n, func(r *apps.AppRecord) error {
		r.PutNetwork(req.Network, info)
		return nil
	})
	if err != nil {
		return apps.AppRecord{}, s.translate(n, err)
	}

	s.emit(ctx, events.Event{Type: events.EventNetworkSet, Name: n.String(), Network: req.Network})
	s.log.WithField("name", n.String()).
		WithField("network", req.Network).
		WithField("package_address", req.PackageAddress.String()).
		Info("app network set")
	return rec, nil
}

// SetAppInfo fills the canonical deployment. Once set it can only be set again
// to the same value.
func (s *Service) SetAppInfo(ctx context.Context, req SetAppInfoRequest) (rec apps.AppRecord, err error) {
	start := time.Now()
	defer func() { s.observe(OpSetAppInfo, start, err) }()

	n, err := s.normalize(req.Name)
	if err != nil {
		return apps.AppRecord{}, err
	}
	if err = s.authorize(ctx, Mutation{Op: OpSetAppInfo, Name: n, AppCapID: req.AppCapID}); err != nil {
		return apps.AppRecord{}, err
	}

	rec, err = s.store.UpdateRecord(ctx, n, func(r *apps.AppRecord) error {
		next, err := r.AppInfo.Set(req.Info)
		if err != nil {
			return err
		}
		r.AppInfo = next
		return nil
	})
	if err != nil {
		return apps.AppRecord{}, s.translate(n, err)
	}

	s.emit(ctx, events.Event{Type: events.EventAppInfoSet, Name: n.String()})
	s.log.WithField("name", n.String()).Info("app info set")
	return rec, nil
}

// SetMetadata upserts a metadata entry on an existing record.
func (s *Service) SetMetadata(ctx context.Context, req SetMetadataRequest) (rec apps.AppRecord, err error) {
	start := time.Now()
	defer func() { s.observe(OpSetMetadata, start, err) }()

	n, err := s.normalize(req.Name)
	if err != nil {
		return apps.AppRecord{}, err
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return apps.AppRecord{}, fmt.Errorf("%s: %w", n, ErrInvalidMetadataKey)
	}
	if err = s.authorize(ctx, Mutation{Op: OpSetMetadata, Name: n, AppCapID: req.AppCapID}); err != nil {
		return apps.AppRecord{}, err
	}

	rec, err = s.store.UpdateRecord(ctx, n, func(r *apps.AppRecord) error {
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.Metadata[key] = req.Value
		return nil
	})
	if err != nil {
		return apps.AppRecord{}, s.translate(n, err)
	}

	s.emit(ctx, events.Event{Type: events.EventMetadataSet, Name: n.String(), Metadata: map[string]string{"key": key}})
	s.log.WithField("name", n.String()).WithField("key", key).Info("app metadata set")
	return rec, nil
}

// Lookup returns the record stored under the normalized form of raw.
func (s *Service) Lookup(ctx context.Context, raw string) (apps.AppRecord, error) {
	n, err := s.normalize(raw)
	if err != nil {
		return apps.AppRecord{}, err
	}
	rec, err := s.store.GetRecord(ctx, n)
	if err != nil {
		return apps.AppRecord{}, s.translate(n, err)
	}
	return rec, nil
}

// Contains reports whether a record exists under the normalized form of raw.
func (s *Service) Contains(ctx context.Context, raw string) (bool, error) {
	n, err := s.normalize(raw)
	if err != nil {
		return false, err
	}
	return s.store.HasRecord(ctx, n)
}

// ResolveNetwork returns the deployment registered for network.
func (s *Service) ResolveNetwork(ctx context.Context, raw, network string) (apps.AppInfo, error) {
	rec, err := s.Lookup(ctx, raw)
	if err != nil {
		return apps.AppInfo{}, err
	}
	info, ok := rec.Network(network)
	if !ok {
		return apps.AppInfo{}, fmt.Errorf("%s on %q: %w", rec.Name, network, ErrNetworkNotFound)
	}
	return info, nil
}

// List returns every record ordered by name.
func (s *Service) List(ctx context.Context) ([]apps.AppRecord, error) {
	return s.store.ListRecords(ctx)
}

// Count returns the number of records.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.CountRecords(ctx)
}

func (s *Service) normalize(raw string) (name.Name, error) {
	n, err := s.normalizer.Normalize(raw)
	if err != nil {
		return name.Name{}, err
	}
	return n, nil
}

func (s *Service) authorize(ctx context.Context, m Mutation) error {
	if err := s.auth.AuthorizeMutation(ctx, m); err != nil {
		s.emit(ctx, events.Event{
			Type:     events.EventMutationRejected,
			Severity: events.SeverityWarning,
			Name:     m.Name.String(),
			Network:  m.Network,
			Error:    err.Error(),
			Metadata: map[string]string{"op": string(m.Op)},
		})
		s.log.WithError(err).
			WithField("op", string(m.Op)).
			WithField("name", m.Name.String()).
			Warn("registry mutation rejected")
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (s *Service) translate(n name.Name, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", n, ErrRecordNotFound)
	case errors.Is(err, storage.ErrAlreadyExists):
		return fmt.Errorf("%s: %w", n, ErrDuplicateName)
	default:
		return err
	}
}

func (s *Service) emit(ctx context.Context, e events.Event) {
	e.Registry = s.id.String()
	s.events.Log(ctx, e)
}

func (s *Service) observe(op Op, start time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	metrics.RecordMutation(string(op), outcome, time.Since(start))
}
