// Package eventlog implements the durable, ordered event bus: append
// persists to storage and assigns a monotone seq before anything is
// published to in-process subscribers or the broadcast hub (persist-then-
// emit, §4.1).
package eventlog

import (
	"fmt"

	"confluence-engine/pkg/db"
)

// Log is the process-wide single writer of the event stream.
type Log struct {
	queries *db.EventQueries
	bus     *Bus
}

// New builds a Log bound to a database handle.
func New(database *db.Database) *Log {
	return &Log{
		queries: db.NewEventQueries(database),
		bus:     NewBus(),
	}
}

// AppendRequest describes one event to persist and publish.
type AppendRequest struct {
	Type         Type
	Scope        db.EventScope
	UserID       *string
	UserBrokerID *string
	SignalID     *string
	IntentID     *string
	TradeID      *string
	Payload      string
}

// Append persists req durably, assigns seq, and only then publishes to
// subscribers. On persistence failure it returns ErrPersist and the event is
// never observable — the caller must not proceed with the associated state
// change.
func (l *Log) Append(req AppendRequest) (int64, error) {
	e := &db.Event{
		Type:         string(req.Type),
		Scope:        req.Scope,
		UserID:       req.UserID,
		UserBrokerID: req.UserBrokerID,
		SignalID:     req.SignalID,
		IntentID:     req.IntentID,
		TradeID:      req.TradeID,
		Payload:      req.Payload,
	}
	seq, err := l.queries.Append(e)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	e.Seq = seq
	l.bus.publish(e)
	return seq, nil
}

// Subscribe registers an in-process listener (typically the broadcast hub)
// that receives every appended event regardless of scope; scope filtering
// happens per-session downstream (§4.14).
func (l *Log) Subscribe(buffer int) (<-chan *db.Event, func()) {
	return l.bus.Subscribe(buffer)
}

// Replay returns every event persisted after fromSeq, in order, so a
// reconnecting client or a cold-start component can rebuild state.
func (l *Log) Replay(fromSeq int64) ([]*db.Event, error) {
	return l.queries.Replay(fromSeq)
}
