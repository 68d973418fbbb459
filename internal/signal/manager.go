// Package signal deduplicates and persists entry signals, fans deliveries
// out to execution user-brokers, and mediates exit-candidate qualification,
// serializing entry work per symbol and exit work per trade (§4.6).
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"confluence-engine/internal/eventlog"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

// Manager is the signal/delivery/exit-intent coordinator.
type Manager struct {
	signals     *db.SignalQueries
	userBrokers *db.UserBrokerQueries
	exitSignals *db.ExitSignalQueries
	exitIntents *db.ExitIntentQueries
	log         *eventlog.Log

	entryLocks *keyedLocks
	exitLocks  *keyedLocks

	cooldown  time.Duration
	qualifier Qualifier
	trades    *trade.Manager
}

// New builds a Manager. qualifier is wired in after construction via
// SetQualifier to break the import cycle with internal/execution.
func New(database *db.Database, log *eventlog.Log, trades *trade.Manager, cooldown time.Duration) *Manager {
	return &Manager{
		signals:     db.NewSignalQueries(database),
		userBrokers: db.NewUserBrokerQueries(database),
		exitSignals: db.NewExitSignalQueries(database),
		exitIntents: db.NewExitIntentQueries(database),
		log:         log,
		entryLocks:  newKeyedLocks(),
		exitLocks:   newKeyedLocks(),
		cooldown:    cooldown,
		trades:      trades,
	}
}

// SetQualifier wires the exit qualifier after construction.
func (m *Manager) SetQualifier(q Qualifier) { m.qualifier = q }

// PublishEntry persists c as a PUBLISHED signal (or touches lastSeenAt on a
// duplicate) and fans deliveries out to every enabled EXEC broker
// whitelisted for the symbol. Entry processing is serialized per symbol.
func (m *Manager) PublishEntry(c Candidate) (*db.Signal, []*db.SignalDelivery, error) {
	unlock := m.entryLocks.lock(c.Symbol)
	defer unlock()

	if c.EffectiveFloor >= c.EffectiveCeiling {
		return nil, nil, nil // rejected, no signal emitted (§4.4)
	}

	now := c.GeneratedAt
	signalDay := now.Format("2006-01-02")

	s := &db.Signal{
		SignalID:         uuid.NewString(),
		Symbol:           c.Symbol,
		Direction:        c.Direction,
		ConfluenceType:   c.ConfluenceType,
		HTFLow:           c.HTFLow, HTFHigh: c.HTFHigh,
		ITFLow: c.ITFLow, ITFHigh: c.ITFHigh,
		LTFLow: c.LTFLow, LTFHigh: c.LTFHigh,
		EffectiveFloor:   c.EffectiveFloor,
		EffectiveCeiling: c.EffectiveCeiling,
		RefPrice:         c.RefPrice,
		PWin:             c.PWin,
		Kelly:            c.Kelly,
		SignalDay:        signalDay,
		GeneratedAt:      now,
		ExpiresAt:        now.Add(c.TTL),
		LastSeenAt:       now,
		Status:           db.SignalPublished,
	}

	err := m.signals.Insert(s)
	if errors.Is(err, db.ErrUniquenessConflict) {
		existing, findErr := m.signals.FindActiveByKey(c.Symbol, c.ConfluenceType, signalDay, c.EffectiveFloor, c.EffectiveCeiling)
		if findErr != nil {
			return nil, nil, fmt.Errorf("find duplicate signal: %w", findErr)
		}
		if touchErr := m.signals.TouchLastSeen(existing.SignalID, now); touchErr != nil {
			return nil, nil, fmt.Errorf("touch last seen: %w", touchErr)
		}
		return existing, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("persist signal: %w", err)
	}

	if _, err := m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeSignalPublished, Scope: db.ScopeGlobal, SignalID: &s.SignalID,
		Payload: fmt.Sprintf(`{"signalId":%q,"symbol":%q,"confluenceType":%q}`, s.SignalID, s.Symbol, s.ConfluenceType),
	}); err != nil {
		return nil, nil, fmt.Errorf("emit signal_published: %w", err)
	}

	brokers, err := m.userBrokers.EnabledExecBrokersForSymbol(c.Symbol)
	if err != nil {
		return s, nil, fmt.Errorf("list exec brokers: %w", err)
	}

	var deliveries []*db.SignalDelivery
	for _, ub := range brokers {
		d := &db.SignalDelivery{
			DeliveryID:   uuid.NewString(),
			SignalID:     s.SignalID,
			UserBrokerID: ub.ID,
			Status:       db.DeliveryPending,
		}
		if err := m.signals.InsertDelivery(d); err != nil {
			if errors.Is(err, db.ErrUniquenessConflict) {
				continue
			}
			return s, deliveries, fmt.Errorf("insert delivery: %w", err)
		}
		deliveries = append(deliveries, d)
		if _, err := m.log.Append(eventlog.AppendRequest{
			Type: eventlog.TypeSignalDeliveryCreated, Scope: db.ScopeUserBroker, SignalID: &s.SignalID, UserBrokerID: &ub.ID,
			Payload: fmt.Sprintf(`{"signalId":%q,"userBrokerId":%q}`, s.SignalID, ub.ID),
		}); err != nil {
			return s, deliveries, fmt.Errorf("emit delivery_created: %w", err)
		}
	}
	return s, deliveries, nil
}

// HandleExitCandidate allocates an episode (subject to cooldown), persists
// the exit signal and a PENDING exit intent, then runs the qualifier while
// holding the per-trade lock so no concurrent exit intent can be created for
// the same trade (§4.12).
func (m *Manager) HandleExitCandidate(c ExitCandidate) (*db.ExitIntent, error) {
	unlock := m.exitLocks.lock(c.TradeID)
	defer unlock()

	episodeID, err := m.exitSignals.AllocateEpisode(c.TradeID, c.Reason, c.Now, m.cooldown)
	if errors.Is(err, db.ErrCooldownActive) {
		return nil, nil // swallowed, no exit signal emitted (§7)
	}
	if err != nil {
		return nil, fmt.Errorf("allocate episode: %w", err)
	}

	es := &db.ExitSignal{
		ExitSignalID: uuid.NewString(),
		TradeID:      c.TradeID,
		Reason:       c.Reason,
		EpisodeID:    episodeID,
		DetectedAt:   c.Now,
	}
	if err := m.exitSignals.Insert(es); err != nil {
		return nil, fmt.Errorf("persist exit signal: %w", err)
	}
	if _, err := m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeExitSignalPublished, Scope: db.ScopeGlobal, TradeID: &c.TradeID,
		Payload: fmt.Sprintf(`{"tradeId":%q,"reason":%q,"episodeId":%d}`, c.TradeID, c.Reason, episodeID),
	}); err != nil {
		return nil, fmt.Errorf("emit exit_signal_published: %w", err)
	}

	t, err := m.trades.Get(c.TradeID)
	if err != nil {
		return nil, fmt.Errorf("read trade for exit qualification: %w", err)
	}

	ei := &db.ExitIntent{
		ExitIntentID: uuid.NewString(),
		ExitSignalID: es.ExitSignalID,
		TradeID:      c.TradeID,
		UserBrokerID: t.UserBrokerID,
		Reason:       c.Reason,
		EpisodeID:    episodeID,
		Status:       db.ExitIntentPending,
	}
	if err := m.exitIntents.Insert(ei); err != nil {
		return nil, fmt.Errorf("persist exit intent: %w", err)
	}

	if m.qualifier == nil {
		return ei, nil
	}

	approved, orderType, limitPrice, rejectCode, err := m.qualifier.Qualify(t, es)
	if err != nil {
		return ei, fmt.Errorf("qualify exit: %w", err)
	}

	if approved {
		ei.Status = db.ExitIntentApproved
		ei.OrderType = orderType
		if limitPrice != 0 {
			ei.LimitPrice = &limitPrice
		}
		if err := m.exitIntents.UpdateStatus(ei.ExitIntentID, db.ExitIntentApproved); err != nil {
			return ei, fmt.Errorf("approve exit intent: %w", err)
		}
		_, err = m.log.Append(eventlog.AppendRequest{
			Type: eventlog.TypeExitIntentApproved, Scope: db.ScopeUserBroker, TradeID: &c.TradeID, UserBrokerID: &t.UserBrokerID,
			Payload: fmt.Sprintf(`{"exitIntentId":%q,"tradeId":%q}`, ei.ExitIntentID, c.TradeID),
		})
		return ei, err
	}

	ei.Status = db.ExitIntentRejected
	if err := m.exitIntents.UpdateStatus(ei.ExitIntentID, db.ExitIntentRejected); err != nil {
		return ei, fmt.Errorf("reject exit intent: %w", err)
	}
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeExitIntentRejected, Scope: db.ScopeUserBroker, TradeID: &c.TradeID, UserBrokerID: &t.UserBrokerID,
		Payload: fmt.Sprintf(`{"exitIntentId":%q,"tradeId":%q,"code":%q}`, ei.ExitIntentID, c.TradeID, rejectCode),
	})
	return ei, err
}

// ExpireDue runs the once-per-minute expiry scheduler: signals whose
// expiresAt has passed are marked EXPIRED and emitted.
func (m *Manager) ExpireDue(now time.Time) error {
	ids, err := m.signals.ExpireDue(now)
	if err != nil {
		return fmt.Errorf("expire due signals: %w", err)
	}
	for _, id := range ids {
		sid := id
		if _, err := m.log.Append(eventlog.AppendRequest{
			Type: eventlog.TypeSignalExpired, Scope: db.ScopeGlobal, SignalID: &sid,
			Payload: fmt.Sprintf(`{"signalId":%q}`, sid),
		}); err != nil {
			return fmt.Errorf("emit signal_expired: %w", err)
		}
	}
	return nil
}

// RebuildPendingDeliveries scans storage for deliveries still awaiting
// validation, for the validation service to resume after a restart (§4.6
// rebuild-on-start).
func (m *Manager) RebuildPendingDeliveries() ([]*db.SignalDelivery, error) {
	return m.signals.PendingDeliveries()
}

// RebuildPlacedExitIntents scans storage for PLACED exit intents, for the
// exit reconciler to resume after a restart.
func (m *Manager) RebuildPlacedExitIntents() ([]*db.ExitIntent, error) {
	return m.exitIntents.PlacedIntents()
}
