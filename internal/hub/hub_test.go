package hub

import (
	"testing"

	"confluence-engine/pkg/db"
)

func strPtr(s string) *string { return &s }

func TestSessionMatchesScope(t *testing.T) {
	userA := "user-a"
	ubA := "ub-a"

	cases := []struct {
		name string
		s    *session
		e    *db.Event
		want bool
	}{
		{
			name: "global always matches",
			s:    &session{},
			e:    &db.Event{Scope: db.ScopeGlobal},
			want: true,
		},
		{
			name: "user scope matches same user",
			s:    &session{userID: strPtr(userA)},
			e:    &db.Event{Scope: db.ScopeUser, UserID: strPtr(userA)},
			want: true,
		},
		{
			name: "user scope rejects different user",
			s:    &session{userID: strPtr(userA)},
			e:    &db.Event{Scope: db.ScopeUser, UserID: strPtr("user-b")},
			want: false,
		},
		{
			name: "user scope rejects session with no user filter",
			s:    &session{},
			e:    &db.Event{Scope: db.ScopeUser, UserID: strPtr(userA)},
			want: false,
		},
		{
			name: "user broker scope matches same user broker",
			s:    &session{userBrokerID: strPtr(ubA)},
			e:    &db.Event{Scope: db.ScopeUserBroker, UserBrokerID: strPtr(ubA)},
			want: true,
		},
		{
			name: "user broker scope rejects different user broker",
			s:    &session{userBrokerID: strPtr(ubA)},
			e:    &db.Event{Scope: db.ScopeUserBroker, UserBrokerID: strPtr("ub-b")},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.s.matches(tc.e); got != tc.want {
				t.Errorf("matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSessionEnqueueDrain(t *testing.T) {
	s := &session{}

	s.enqueue(&db.Event{Seq: 1}, 10)
	s.enqueue(&db.Event{Seq: 2}, 10)

	msg := s.drain()
	if msg == nil || msg.Type != "events" {
		t.Fatalf("expected an events batch, got %+v", msg)
	}
	if len(msg.Events) != 2 || msg.Events[1].Seq != 2 {
		t.Fatalf("unexpected batch contents: %+v", msg.Events)
	}
	if s.lastSeq != 2 {
		t.Fatalf("lastSeq = %d, want 2", s.lastSeq)
	}

	if msg := s.drain(); msg != nil {
		t.Fatalf("expected nil on empty queue, got %+v", msg)
	}
}

func TestSessionOverflowForcesResync(t *testing.T) {
	s := &session{lastSeq: 5}

	s.enqueue(&db.Event{Seq: 6}, 2)
	s.enqueue(&db.Event{Seq: 7}, 2)
	s.enqueue(&db.Event{Seq: 8}, 2) // overflow: queue dropped, resync armed

	msg := s.drain()
	if msg == nil || msg.Type != "resync" {
		t.Fatalf("expected a resync marker, got %+v", msg)
	}
	if msg.AfterSeq != 5 {
		t.Fatalf("AfterSeq = %d, want 5 (unchanged since no batch was ever drained)", msg.AfterSeq)
	}

	// Queue should now be empty and fresh events buffer normally again.
	s.enqueue(&db.Event{Seq: 9}, 2)
	msg = s.drain()
	if msg == nil || msg.Type != "events" || len(msg.Events) != 1 {
		t.Fatalf("expected a fresh single-event batch after overflow, got %+v", msg)
	}
}
