// Package trade implements the single writer of trade rows and the
// terminal-absorbing state machine CREATED -> PENDING -> OPEN -> CLOSED,
// with REJECTED and TIMEOUT side exits (§4.9). No method here moves a trade
// to CANCELLED.
package trade

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"confluence-engine/internal/eventlog"
	"confluence-engine/pkg/db"
)

// ErrStaleWrite is returned when a transition loses the row-version race;
// the caller must re-read and retry or give up (§4.9 tie-breaks).
var ErrStaleWrite = errors.New("trade: stale write, row changed concurrently")

// Manager is the sole writer of trade rows.
type Manager struct {
	queries *db.TradeQueries
	log     *eventlog.Log
}

// New builds a Manager bound to storage and the event log.
func New(database *db.Database, log *eventlog.Log) *Manager {
	return &Manager{queries: db.NewTradeQueries(database), log: log}
}

// CreateForIntent inserts a CREATED row keyed by intentId, idempotently
// returning the existing row on conflict. tradeNumber is computed from
// stored history, never hard-coded (§9 open question).
func (m *Manager) CreateForIntent(intent *db.TradeIntent, signal *db.Signal) (*db.Trade, error) {
	if existing, err := m.queries.GetByIntentID(intent.IntentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("check existing trade: %w", err)
	}

	activeCount, err := m.queries.CountActiveForUserSymbol(intent.UserBrokerID, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("count active trades: %w", err)
	}
	tradeNumber := activeCount + 1

	t := &db.Trade{
		TradeID:       uuid.NewString(),
		IntentID:      intent.IntentID,
		ClientOrderID: intent.IntentID, // clientOrderId = intentId (§3, §4.10)
		UserBrokerID:  intent.UserBrokerID,
		SignalID:      intent.SignalID,
		Symbol:        signal.Symbol,
		Direction:     signal.Direction,
		TradeNumber:   tradeNumber,
		Status:        db.TradeCreated,
	}

	if err := m.queries.Insert(t); err != nil {
		if errors.Is(err, db.ErrUniquenessConflict) {
			existing, getErr := m.queries.GetByIntentID(intent.IntentID)
			if getErr != nil {
				return nil, fmt.Errorf("re-read after conflict: %w", getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	userID := intent.UserBrokerID
	tradeID := t.TradeID
	if _, err := m.log.Append(eventlog.AppendRequest{
		Type:         eventlog.TypeTradeCreated,
		Scope:        db.ScopeUserBroker,
		UserBrokerID: &userID,
		TradeID:      &tradeID,
		Payload:      fmt.Sprintf(`{"tradeId":%q,"status":"CREATED","tradeNumber":%d}`, t.TradeID, t.TradeNumber),
	}); err != nil {
		return nil, fmt.Errorf("emit trade_created: %w", err)
	}
	return t, nil
}

// MarkPending transitions CREATED -> PENDING after the broker accepts.
func (m *Manager) MarkPending(tradeID, brokerOrderID string) error {
	t, err := m.queries.Get(tradeID)
	if err != nil {
		return fmt.Errorf("read trade: %w", err)
	}
	if t.Status != db.TradeCreated {
		return nil
	}
	ok, err := m.queries.CompareAndTransition(tradeID, t.RowVersion, db.TradeCreated, db.TradePending,
		"broker_order_id = ?, last_broker_update_at = CURRENT_TIMESTAMP", brokerOrderID)
	if err != nil {
		return fmt.Errorf("transition to pending: %w", err)
	}
	if !ok {
		return ErrStaleWrite
	}
	ub := t.UserBrokerID
	tid := t.TradeID
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeOrderPlaced, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &tid,
		Payload: fmt.Sprintf(`{"tradeId":%q,"brokerOrderId":%q}`, tradeID, brokerOrderID),
	})
	return err
}

// MarkOpen transitions PENDING -> OPEN on fill.
func (m *Manager) MarkOpen(tradeID string, fillPrice, fillQty float64, fillTime time.Time) error {
	t, err := m.queries.Get(tradeID)
	if err != nil {
		return fmt.Errorf("read trade: %w", err)
	}
	if t.Status == db.TradeOpen {
		return nil // already applied; no regression, no re-emit
	}
	if t.Status != db.TradePending {
		return nil
	}
	entryValue := fillPrice * fillQty
	ok, err := m.queries.CompareAndTransition(tradeID, t.RowVersion, db.TradePending, db.TradeOpen,
		"entry_price = ?, entry_qty = ?, entry_value = ?, entry_timestamp = ?, last_broker_update_at = CURRENT_TIMESTAMP",
		fillPrice, fillQty, entryValue, fillTime)
	if err != nil {
		return fmt.Errorf("transition to open: %w", err)
	}
	if !ok {
		return ErrStaleWrite
	}
	ub, tid := t.UserBrokerID, t.TradeID
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeOrderFilled, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &tid,
		Payload: fmt.Sprintf(`{"tradeId":%q,"entryPrice":%v,"entryQty":%v}`, tradeID, fillPrice, fillQty),
	})
	if err != nil {
		return err
	}
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeTradeUpdated, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &tid,
		Payload: fmt.Sprintf(`{"tradeId":%q,"status":"OPEN","entryPrice":%v}`, tradeID, fillPrice),
	})
	return err
}

// MarkRejectedByIntent conditionally transitions CREATED -> REJECTED;
// emits nothing on miss (the row already moved past CREATED).
func (m *Manager) MarkRejectedByIntent(intentID, code, message string) (bool, error) {
	t, err := m.queries.GetByIntentID(intentID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read trade by intent: %w", err)
	}
	if t.Status != db.TradeCreated {
		return false, nil
	}
	ok, err := m.queries.CompareAndTransition(t.TradeID, t.RowVersion, db.TradeCreated, db.TradeRejected,
		"exit_reason = ?", fmt.Sprintf("%s:%s", code, message))
	if err != nil {
		return false, fmt.Errorf("transition to rejected: %w", err)
	}
	if !ok {
		return false, nil
	}
	ub, tid := t.UserBrokerID, t.TradeID
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeOrderRejected, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &tid,
		Payload: fmt.Sprintf(`{"tradeId":%q,"code":%q,"message":%q}`, t.TradeID, code, message),
	})
	return true, err
}

// MarkClosed transitions OPEN -> CLOSED and computes realized P&L.
func (m *Manager) MarkClosed(tradeID string, exitPrice float64, exitReason string, exitTime time.Time) error {
	t, err := m.queries.Get(tradeID)
	if err != nil {
		return fmt.Errorf("read trade: %w", err)
	}
	if t.Status == db.TradeClosed {
		return nil
	}
	if t.Status != db.TradeOpen && t.Status != db.TradeExiting {
		return nil
	}
	if t.EntryPrice == nil || t.EntryQty == nil {
		return fmt.Errorf("trade %s missing entry data at close", tradeID)
	}

	qty := *t.EntryQty
	entry := *t.EntryPrice
	var pnl, logReturn float64
	if t.Direction == db.DirectionBuy {
		pnl = (exitPrice - entry) * qty
		logReturn = math.Log(exitPrice / entry)
	} else {
		pnl = (entry - exitPrice) * qty
		logReturn = -math.Log(exitPrice / entry)
	}

	ok, err := m.queries.CompareAndTransition(tradeID, t.RowVersion, t.Status, db.TradeClosed,
		"exit_price = ?, exit_timestamp = ?, exit_reason = ?, realized_pnl = ?, realized_log_return = ?",
		exitPrice, exitTime, exitReason, pnl, logReturn)
	if err != nil {
		return fmt.Errorf("transition to closed: %w", err)
	}
	if !ok {
		return ErrStaleWrite
	}
	ub, tid := t.UserBrokerID, t.TradeID
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeTradeClosed, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &tid,
		Payload: fmt.Sprintf(`{"tradeId":%q,"exitPrice":%v,"realizedPnl":%v,"reason":%q}`, tradeID, exitPrice, pnl, exitReason),
	})
	return err
}

// MarkTimeout transitions PENDING -> TIMEOUT when broker silence exceeds
// the configured pending timeout.
func (m *Manager) MarkTimeout(tradeID string) error {
	t, err := m.queries.Get(tradeID)
	if err != nil {
		return fmt.Errorf("read trade: %w", err)
	}
	if t.Status != db.TradePending {
		return nil
	}
	ok, err := m.queries.CompareAndTransition(tradeID, t.RowVersion, db.TradePending, db.TradeTimeout, "")
	if err != nil {
		return fmt.Errorf("transition to timeout: %w", err)
	}
	if !ok {
		return ErrStaleWrite
	}
	ub, tid := t.UserBrokerID, t.TradeID
	_, err = m.log.Append(eventlog.AppendRequest{
		Type: eventlog.TypeOrderTimeout, Scope: db.ScopeUserBroker, UserBrokerID: &ub, TradeID: &tid,
		Payload: fmt.Sprintf(`{"tradeId":%q}`, tradeID),
	})
	return err
}

// UpdateTrailing advances the trailing-stop bookkeeping (§4.11); this is not
// a status transition so it always applies directly to an OPEN trade.
func (m *Manager) UpdateTrailing(tradeID string, extremum, stopPrice float64, active bool) error {
	t, err := m.queries.Get(tradeID)
	if err != nil {
		return fmt.Errorf("read trade: %w", err)
	}
	if t.Status != db.TradeOpen {
		return nil
	}
	ok, err := m.queries.CompareAndTransition(tradeID, t.RowVersion, db.TradeOpen, db.TradeOpen,
		"trailing_active = ?, trailing_extremum = ?, trailing_stop_price = ?", active, extremum, stopPrice)
	if err != nil {
		return fmt.Errorf("update trailing: %w", err)
	}
	if !ok {
		return ErrStaleWrite
	}
	return nil
}

// Get returns the current row for a trade.
func (m *Manager) Get(tradeID string) (*db.Trade, error) {
	return m.queries.Get(tradeID)
}

// OpenForSymbol returns all OPEN trades for a symbol, used by the exit
// detector which always reads from storage rather than an in-process map
// (§4.11).
func (m *Manager) OpenForSymbol(symbol string) ([]*db.Trade, error) {
	return m.queries.OpenForSymbol(symbol)
}

// NonTerminal returns CREATED/PENDING rows for the entry reconciler.
func (m *Manager) NonTerminal() ([]*db.Trade, error) {
	return m.queries.NonTerminal()
}
