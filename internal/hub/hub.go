// Package hub broadcasts the durable event log to websocket clients,
// scoped per session to GLOBAL, USER, or USER_BROKER events, with a
// batched flusher and backpressure handling that forces an explicit
// resync rather than blocking the writer or unbounded-buffering (§4.14).
package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"confluence-engine/internal/eventlog"
	"confluence-engine/pkg/db"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// outMessage is the JSON envelope written to a client: either a batch of
// events or a resync marker telling the client its queue overflowed and it
// must re-fetch everything after AfterSeq via the REST replay endpoint.
type outMessage struct {
	Type    string      `json:"type"`
	Events  []*db.Event `json:"events,omitempty"`
	AfterSeq int64      `json:"afterSeq,omitempty"`
}

// session is one connected client's subscription state.
type session struct {
	conn *websocket.Conn

	userID       *string // nil: no USER-scope filter
	userBrokerID *string // nil: no USER_BROKER-scope filter

	mu           sync.Mutex
	queue        []*db.Event
	lastSeq      int64
	resyncNeeded bool
}

func (s *session) matches(e *db.Event) bool {
	switch e.Scope {
	case db.ScopeGlobal:
		return true
	case db.ScopeUser:
		return s.userID != nil && e.UserID != nil && *e.UserID == *s.userID
	case db.ScopeUserBroker:
		return s.userBrokerID != nil && e.UserBrokerID != nil && *e.UserBrokerID == *s.userBrokerID
	default:
		return false
	}
}

// enqueue appends e to the session's pending batch, capping it at
// queueMax. On overflow the queue is dropped entirely and the session is
// marked for a resync message instead of growing without bound.
func (s *session) enqueue(e *db.Event, queueMax int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= queueMax {
		s.queue = s.queue[:0]
		s.resyncNeeded = true
		return
	}
	s.queue = append(s.queue, e)
}

// drain returns and clears the session's pending batch, or a resync
// marker if the session overflowed since the last drain.
func (s *session) drain() *outMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncNeeded {
		s.resyncNeeded = false
		return &outMessage{Type: "resync", AfterSeq: s.lastSeq}
	}
	if len(s.queue) == 0 {
		return nil
	}
	batch := s.queue
	s.queue = nil
	s.lastSeq = batch[len(batch)-1].Seq
	return &outMessage{Type: "events", Events: batch}
}

// Hub fans out every appended event to connected sessions, filtered by
// scope, on a fixed batch interval.
type Hub struct {
	log *eventlog.Log

	batchInterval time.Duration
	queueMax      int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]bool
}

// New builds a Hub bound to the event log. batchInterval controls how
// often pending events are flushed to each client; queueMax bounds a
// session's pending-event backlog before it is forced to resync.
func New(eventLog *eventlog.Log, batchInterval time.Duration, queueMax int) *Hub {
	return &Hub{
		log:           eventLog,
		batchInterval: batchInterval,
		queueMax:      queueMax,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*session]bool),
	}
}

// Run subscribes to the event log and fans every event out to matching
// sessions until ctx-equivalent shutdown; callers run it in its own
// goroutine for the process lifetime.
func (h *Hub) Run(done <-chan struct{}) {
	events, unsub := h.log.Subscribe(1024)
	defer unsub()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			h.dispatch(e)
		case <-done:
			return
		}
	}
}

func (h *Hub) dispatch(e *db.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		if s.matches(e) {
			s.enqueue(e, h.queueMax)
		}
	}
}

// HandleWebSocket upgrades the request and runs the session until the
// client disconnects. userID/userBrokerID scope which events this
// session receives (both nil means GLOBAL-only).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID, userBrokerID *string, afterSeq int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade error: %v", err)
		return
	}

	s := &session{conn: conn, userID: userID, userBrokerID: userBrokerID, lastSeq: afterSeq}
	h.register(s)
	defer h.unregister(s)

	if backlog, err := h.log.Replay(afterSeq); err == nil {
		filtered := make([]*db.Event, 0, len(backlog))
		for _, e := range backlog {
			if s.matches(e) {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) > 0 {
			s.mu.Lock()
			s.lastSeq = filtered[len(filtered)-1].Seq
			s.mu.Unlock()
			_ = conn.WriteJSON(outMessage{Type: "events", Events: filtered})
		}
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	flushDone := make(chan struct{})
	go h.flushLoop(s, flushDone)
	defer close(flushDone)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-flushDone:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) flushLoop(s *session, done <-chan struct{}) {
	ticker := time.NewTicker(h.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg := s.drain()
			if msg == nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	s.conn.Close()
}

// SessionCount reports the number of connected sessions, read by the
// watchdog as a liveness signal for the hub (§4.15).
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// QueueDepth sums the pending (undrained) event count across every
// connected session, read by the watchdog to detect a flush loop that has
// stopped draining (§4.15 "hub queue depth").
func (h *Hub) QueueDepth() int {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	total := 0
	for _, s := range sessions {
		s.mu.Lock()
		total += len(s.queue)
		s.mu.Unlock()
	}
	return total
}

// Ready performs a round trip against the event log's subscribe mechanism,
// the same dependency Run relies on, so the startup gate (§4.16) can verify
// the hub's wiring actually works rather than asserting it unconditionally.
func (h *Hub) Ready() bool {
	events, unsub := h.log.Subscribe(1)
	defer unsub()
	return events != nil
}
