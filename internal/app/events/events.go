// Package events records registry mutations in a bounded ring buffer.
// Subscribers are notified synchronously after each event is stored.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/app_registry/pkg/logger"
)

// EventType classifies the kind of registry event.
type EventType string

const (
	EventRecordAdded      EventType = "record.added"
	EventNetworkSet       EventType = "network.set"
	EventAppInfoSet       EventType = "appinfo.set"
	EventMetadataSet      EventType = "metadata.set"
	EventMutationRejected EventType = "mutation.rejected"

	EventSnapshotWritten EventType = "snapshot.written"
	EventSnapshotFailed  EventType = "snapshot.failed"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a structured registry event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	Registry string `json:"registry,omitempty"`
	Name     string `json:"name,omitempty"`
	Network  string `json:"network,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be delivered to a handler.
type Filter func(Event) bool

// Sink is the write side used by services.
type Sink interface {
	Log(ctx context.Context, event Event)
}

// RingBuffer is a thread-safe circular buffer for events.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Sink = (*RingBuffer)(nil)

// NewRingBuffer creates a buffer holding at most size events (1000 when size <= 0).
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Log stores the event and notifies handlers. A request id found on ctx is copied onto the event.
func (rb *RingBuffer) Log(ctx context.Context, event Event) {
	if ctx != nil && event.RequestID == "" {
		if id, ok := ctx.Value(requestIDKey).(string); ok {
			event.RequestID = id
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.mu.Lock()
	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// handlers run outside the lock so they may call back into the buffer
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// Subscribe registers a handler for all events and returns its unsubscribe func.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only sees events accepted by filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent n events, newest first.
func (rb *RingBuffer) Recent(n int) []Event {
	return rb.collect(n, nil)
}

// RecentByType returns the most recent n events of the given type, newest first.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	return rb.collect(n, func(e Event) bool { return e.Type == eventType })
}

func (rb *RingBuffer) collect(n int, filter Filter) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if filter == nil || filter(rb.events[idx]) {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events currently buffered.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a request id that Log copies onto events.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(context.Context, Event) {}

// LogHandler writes every event it receives to log. Warnings and errors keep
// their severity; informational events go out at debug level.
func LogHandler(log *logger.Logger) Handler {
	return func(e Event) {
		fields := logrus.Fields{"event": string(e.Type), "event_id": e.ID}
		for key, value := range map[string]string{
			"registry":   e.Registry,
			"name":       e.Name,
			"network":    e.Network,
			"request_id": e.RequestID,
			"error":      e.Error,
		} {
			if value != "" {
				fields[key] = value
			}
		}
		for key, value := range e.Metadata {
			fields["meta_"+key] = value
		}

		entry := log.WithFields(fields)
		msg := e.Message
		if msg == "" {
			msg = string(e.Type)
		}
		switch e.Severity {
		case SeverityError:
			entry.Error(msg)
		case SeverityWarning:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}
