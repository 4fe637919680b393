// Package events is the append-only event log behind the dashboard: every
// event is written as one JSON line, and optionally published to NATS for
// external consumers.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types.
const (
	TypeSignal         = "signal"
	TypeOrder          = "order"
	TypePositionClosed = "position:closed"
	TypeStale          = "stale"
	TypeDedupDegraded  = "dedup_degraded"
)

// Event is one dashboard-visible occurrence.
type Event struct {
	Type    string                 `json:"type"`
	Coin    string                 `json:"coin,omitempty"`
	At      time.Time              `json:"at"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Publisher is the NATS surface the log uses. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Log appends events to a JSONL file and fans them out to the publisher.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	publisher Publisher
	subject   string
	logger    zerolog.Logger
	now       func() time.Time
}

// Open creates the event log at path. publisher may be nil (file only).
// The subject prefix yields subjects like "quantloop.events.order".
func Open(path string, publisher Publisher, subjectPrefix string, logger zerolog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "quantloop.events"
	}
	return &Log{
		file:      f,
		publisher: publisher,
		subject:   subjectPrefix,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Emit appends one event. The file write is the source of truth; a publish
// failure is logged and does not fail the emit.
func (l *Log) Emit(ev Event) error {
	if ev.At.IsZero() {
		ev.At = l.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	_, err = l.file.Write(append(data, '\n'))
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if l.publisher != nil {
		subject := l.subject + "." + subjectToken(ev.Type)
		if err := l.publisher.Publish(subject, data); err != nil {
			l.logger.Warn().Err(err).Str("subject", subject).Msg("Event publish failed")
		}
	}
	return nil
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// subjectToken maps an event type to a NATS subject token; the colon in
// "position:closed" becomes a subject level.
func subjectToken(eventType string) string {
	return strings.ReplaceAll(eventType, ":", ".")
}
