package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors surfaced across package boundaries, matching the teacher's
// convention of named errors instead of ad-hoc strings.
var (
	ErrNotFound          = errors.New("db: record not found")
	ErrUniquenessConflict = errors.New("db: uniqueness conflict")
)

// IsUniqueConstraint reports whether err came from a SQLite unique-index
// violation, so callers can map it onto the idempotent-success paths the
// signal manager and trade manager require.
func IsUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// EventQueries persists and reads the append-only event log.
type EventQueries struct{ db *Database }

func NewEventQueries(d *Database) *EventQueries { return &EventQueries{db: d} }

// Append inserts an event and returns its assigned seq. Must be called from
// the single process-wide event-log writer (see internal/eventlog).
func (q *EventQueries) Append(e *Event) (int64, error) {
	res, err := q.db.DB.Exec(
		`INSERT INTO events (type, scope, user_id, user_broker_id, signal_id, intent_id, trade_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, string(e.Scope), e.UserID, e.UserBrokerID, e.SignalID, e.IntentID, e.TradeID, e.Payload,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq, nil
}

// Replay returns every event with seq > fromSeq in ascending order.
func (q *EventQueries) Replay(fromSeq int64) ([]*Event, error) {
	rows, err := q.db.DB.Query(
		`SELECT seq, type, scope, user_id, user_broker_id, signal_id, intent_id, trade_id, payload, created_at
		 FROM events WHERE seq > ? ORDER BY seq ASC`, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var scope string
		if err := rows.Scan(&e.Seq, &e.Type, &scope, &e.UserID, &e.UserBrokerID, &e.SignalID, &e.IntentID, &e.TradeID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Scope = EventScope(scope)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SignalQueries persists entry signals and their deliveries.
type SignalQueries struct{ db *Database }

func NewSignalQueries(d *Database) *SignalQueries { return &SignalQueries{db: d} }

// FindActiveByKey looks up a non-expired signal by the uniqueness five-tuple.
func (q *SignalQueries) FindActiveByKey(symbol string, confluenceType ConfluenceType, signalDay string, floor, ceiling float64) (*Signal, error) {
	row := q.db.DB.QueryRow(
		`SELECT signal_id, symbol, direction, confluence_type, htf_low, htf_high, itf_low, itf_high,
		        ltf_low, ltf_high, effective_floor, effective_ceiling, ref_price, p_win, kelly,
		        signal_day, generated_at, expires_at, last_seen_at, status
		 FROM signals
		 WHERE symbol = ? AND confluence_type = ? AND signal_day = ? AND effective_floor = ? AND effective_ceiling = ?
		   AND status = ?`,
		symbol, string(confluenceType), signalDay, floor, ceiling, string(SignalPublished),
	)
	return scanSignal(row)
}

// Get looks up a signal by id regardless of status, for components that
// need to read a signal referenced by an existing delivery or intent.
func (q *SignalQueries) Get(signalID string) (*Signal, error) {
	row := q.db.DB.QueryRow(
		`SELECT signal_id, symbol, direction, confluence_type, htf_low, htf_high, itf_low, itf_high,
		        ltf_low, ltf_high, effective_floor, effective_ceiling, ref_price, p_win, kelly,
		        signal_day, generated_at, expires_at, last_seen_at, status
		 FROM signals WHERE signal_id = ?`,
		signalID,
	)
	return scanSignal(row)
}

func scanSignal(row *sql.Row) (*Signal, error) {
	s := &Signal{}
	var direction, confluence, status string
	err := row.Scan(&s.SignalID, &s.Symbol, &direction, &confluence, &s.HTFLow, &s.HTFHigh, &s.ITFLow, &s.ITFHigh,
		&s.LTFLow, &s.LTFHigh, &s.EffectiveFloor, &s.EffectiveCeiling, &s.RefPrice, &s.PWin, &s.Kelly,
		&s.SignalDay, &s.GeneratedAt, &s.ExpiresAt, &s.LastSeenAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	s.Direction = Direction(direction)
	s.ConfluenceType = ConfluenceType(confluence)
	s.Status = SignalStatus(status)
	return s, nil
}

// Insert persists a new PUBLISHED signal. Returns ErrUniquenessConflict (and
// the winning existing row) if a concurrent writer already published one with
// the same key — the signal manager treats this as idempotent success.
func (q *SignalQueries) Insert(s *Signal) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO signals (signal_id, symbol, direction, confluence_type, htf_low, htf_high, itf_low, itf_high,
		                       ltf_low, ltf_high, effective_floor, effective_ceiling, ref_price, p_win, kelly,
		                       signal_day, generated_at, expires_at, last_seen_at, status)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.SignalID, s.Symbol, string(s.Direction), string(s.ConfluenceType), s.HTFLow, s.HTFHigh, s.ITFLow, s.ITFHigh,
		s.LTFLow, s.LTFHigh, s.EffectiveFloor, s.EffectiveCeiling, s.RefPrice, s.PWin, s.Kelly,
		s.SignalDay, s.GeneratedAt, s.ExpiresAt, s.LastSeenAt, string(s.Status),
	)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// TouchLastSeen advances lastSeenAt on a duplicate-candidate match.
func (q *SignalQueries) TouchLastSeen(signalID string, at time.Time) error {
	_, err := q.db.DB.Exec(`UPDATE signals SET last_seen_at = ? WHERE signal_id = ?`, at, signalID)
	if err != nil {
		return fmt.Errorf("touch signal last_seen_at: %w", err)
	}
	return nil
}

// ExpireDue marks PUBLISHED signals whose expiresAt has passed, returning the
// affected signal ids for event emission.
func (q *SignalQueries) ExpireDue(now time.Time) ([]string, error) {
	rows, err := q.db.DB.Query(
		`SELECT signal_id FROM signals WHERE status = ? AND expires_at < ?`, string(SignalPublished), now)
	if err != nil {
		return nil, fmt.Errorf("select expiring signals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := q.db.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE signals SET status = ? WHERE signal_id = ?`, string(SignalExpired), id); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("expire signal %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire tx: %w", err)
	}
	return ids, nil
}

// InsertDelivery creates a fan-out row, idempotent on (signalId, userBrokerId).
func (q *SignalQueries) InsertDelivery(d *SignalDelivery) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO signal_deliveries (delivery_id, signal_id, user_broker_id, status) VALUES (?,?,?,?)`,
		d.DeliveryID, d.SignalID, d.UserBrokerID, string(d.Status),
	)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert signal delivery: %w", err)
	}
	return nil
}

// PendingDeliveries lists deliveries still awaiting validation, for rebuild-on-start.
func (q *SignalQueries) PendingDeliveries() ([]*SignalDelivery, error) {
	rows, err := q.db.DB.Query(`SELECT delivery_id, signal_id, user_broker_id, status, created_at
		FROM signal_deliveries WHERE status = ?`, string(DeliveryPending))
	if err != nil {
		return nil, fmt.Errorf("select pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []*SignalDelivery
	for rows.Next() {
		d := &SignalDelivery{}
		var status string
		if err := rows.Scan(&d.DeliveryID, &d.SignalID, &d.UserBrokerID, &status, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// TradeIntentQueries persists entry qualification outcomes.
type TradeIntentQueries struct{ db *Database }

func NewTradeIntentQueries(d *Database) *TradeIntentQueries { return &TradeIntentQueries{db: d} }

// Insert persists a TradeIntent keyed by intentId; immutable once written.
func (q *TradeIntentQueries) Insert(i *TradeIntent) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO trade_intents (intent_id, signal_id, user_broker_id, validation_passed, approved_qty,
		                             order_type, limit_price, product_type, rejection_reasons)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		i.IntentID, i.SignalID, i.UserBrokerID, i.ValidationPassed, i.ApprovedQty,
		i.OrderType, i.LimitPrice, i.ProductType, strings.Join(i.RejectionReasons, ","),
	)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert trade intent: %w", err)
	}
	return nil
}

func (q *TradeIntentQueries) Get(intentID string) (*TradeIntent, error) {
	row := q.db.DB.QueryRow(
		`SELECT intent_id, signal_id, user_broker_id, validation_passed, approved_qty,
		        order_type, limit_price, product_type, rejection_reasons, created_at
		 FROM trade_intents WHERE intent_id = ?`, intentID)
	i := &TradeIntent{}
	var reasons string
	err := row.Scan(&i.IntentID, &i.SignalID, &i.UserBrokerID, &i.ValidationPassed, &i.ApprovedQty,
		&i.OrderType, &i.LimitPrice, &i.ProductType, &reasons, &i.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade intent: %w", err)
	}
	if reasons != "" {
		i.RejectionReasons = strings.Split(reasons, ",")
	}
	return i, nil
}

// TradeQueries is the trade manager's sole storage gateway.
type TradeQueries struct{ db *Database }

func NewTradeQueries(d *Database) *TradeQueries { return &TradeQueries{db: d} }

// CountActiveForUserSymbol counts non-rejected/cancelled rows for tradeNumber computation.
func (q *TradeQueries) CountActiveForUserSymbol(userBrokerID, symbol string) (int, error) {
	row := q.db.DB.QueryRow(
		`SELECT COUNT(*) FROM trades WHERE user_broker_id = ? AND symbol = ? AND status NOT IN (?, ?, ?)`,
		userBrokerID, symbol, string(TradeRejected), string(TradeCanceled), string(TradeTimeout))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active trades: %w", err)
	}
	return n, nil
}

// Insert creates a CREATED row; returns ErrUniquenessConflict on intentId collision.
func (q *TradeQueries) Insert(t *Trade) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO trades (trade_id, intent_id, client_order_id, user_broker_id, signal_id, symbol,
		                      direction, trade_number, status, row_version)
		 VALUES (?,?,?,?,?,?,?,?,?,0)`,
		t.TradeID, t.IntentID, t.ClientOrderID, t.UserBrokerID, t.SignalID, t.Symbol,
		string(t.Direction), t.TradeNumber, string(t.Status),
	)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (q *TradeQueries) GetByIntentID(intentID string) (*Trade, error) {
	row := q.db.DB.QueryRow(tradeSelectSQL+" WHERE intent_id = ?", intentID)
	return scanTrade(row)
}

func (q *TradeQueries) Get(tradeID string) (*Trade, error) {
	row := q.db.DB.QueryRow(tradeSelectSQL+" WHERE trade_id = ?", tradeID)
	return scanTrade(row)
}

func (q *TradeQueries) OpenForSymbol(symbol string) ([]*Trade, error) {
	rows, err := q.db.DB.Query(tradeSelectSQL+" WHERE symbol = ? AND status = ?", symbol, string(TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("select open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// NonTerminal returns CREATED/PENDING rows for the entry reconciler.
func (q *TradeQueries) NonTerminal() ([]*Trade, error) {
	rows, err := q.db.DB.Query(tradeSelectSQL+" WHERE status IN (?, ?)", string(TradeCreated), string(TradePending))
	if err != nil {
		return nil, fmt.Errorf("select non-terminal trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

const tradeSelectSQL = `SELECT trade_id, intent_id, client_order_id, broker_order_id, user_broker_id, signal_id,
	symbol, direction, trade_number, status, entry_price, entry_qty, entry_value, entry_timestamp,
	exit_target_price, exit_stop_price, trailing_active, trailing_extremum, trailing_stop_price,
	exit_price, exit_timestamp, exit_reason, realized_pnl, realized_log_return, last_broker_update_at,
	row_version, created_at, updated_at
	FROM trades`

func scanTrade(row *sql.Row) (*Trade, error) {
	t := &Trade{}
	var direction, status string
	err := row.Scan(&t.TradeID, &t.IntentID, &t.ClientOrderID, &t.BrokerOrderID, &t.UserBrokerID, &t.SignalID,
		&t.Symbol, &direction, &t.TradeNumber, &status, &t.EntryPrice, &t.EntryQty, &t.EntryValue, &t.EntryTimestamp,
		&t.ExitTargetPrice, &t.ExitStopPrice, &t.TrailingActive, &t.TrailingExtremum, &t.TrailingStopPrice,
		&t.ExitPrice, &t.ExitTimestamp, &t.ExitReason, &t.RealizedPnL, &t.RealizedLogReturn, &t.LastBrokerUpdateAt,
		&t.RowVersion, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.Direction = Direction(direction)
	t.Status = TradeStatus(status)
	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t := &Trade{}
		var direction, status string
		if err := rows.Scan(&t.TradeID, &t.IntentID, &t.ClientOrderID, &t.BrokerOrderID, &t.UserBrokerID, &t.SignalID,
			&t.Symbol, &direction, &t.TradeNumber, &status, &t.EntryPrice, &t.EntryQty, &t.EntryValue, &t.EntryTimestamp,
			&t.ExitTargetPrice, &t.ExitStopPrice, &t.TrailingActive, &t.TrailingExtremum, &t.TrailingStopPrice,
			&t.ExitPrice, &t.ExitTimestamp, &t.ExitReason, &t.RealizedPnL, &t.RealizedLogReturn, &t.LastBrokerUpdateAt,
			&t.RowVersion, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Direction = Direction(direction)
		t.Status = TradeStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndUpdate applies fields conditional on rowVersion matching, the
// storage-level tie-break for racing writers (see trade manager single-writer
// discipline). Returns updated=false if the version had already moved on.
func (q *TradeQueries) CompareAndUpdate(tradeID string, expectedVersion int64, set string, args ...interface{}) (bool, error) {
	fullArgs := append(append([]interface{}{}, args...), tradeID, expectedVersion)
	query := fmt.Sprintf(`UPDATE trades SET %s, row_version = row_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE trade_id = ? AND row_version = ?`, set)
	res, err := q.db.DB.Exec(query, fullArgs...)
	if err != nil {
		return false, fmt.Errorf("compare-and-update trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompareAndTransition moves a trade from fromStatus to toStatus only if the
// row is still at expectedVersion and fromStatus — the storage-level tie-
// break so a racing writer either wins cleanly or is told to re-read.
func (q *TradeQueries) CompareAndTransition(tradeID string, expectedVersion int64, fromStatus, toStatus TradeStatus, extraSet string, extraArgs ...interface{}) (bool, error) {
	set := "status = ?"
	args := []interface{}{string(toStatus)}
	if extraSet != "" {
		set += ", " + extraSet
		args = append(args, extraArgs...)
	}
	query := fmt.Sprintf(`UPDATE trades SET %s, row_version = row_version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE trade_id = ? AND row_version = ? AND status = ?`, set)
	args = append(args, tradeID, expectedVersion, string(fromStatus))
	res, err := q.db.DB.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("compare-and-transition trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExitSignalQueries persists per-trade exit detection facts.
type ExitSignalQueries struct{ db *Database }

func NewExitSignalQueries(d *Database) *ExitSignalQueries { return &ExitSignalQueries{db: d} }

// AllocateEpisode returns the next episodeId for (tradeId, reason) if the
// cooldown has elapsed since the last detection, else ErrCooldownActive.
var ErrCooldownActive = errors.New("db: exit cooldown active")

func (q *ExitSignalQueries) AllocateEpisode(tradeID string, reason ExitReason, now time.Time, cooldown time.Duration) (int64, error) {
	tx, err := q.db.DB.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin episode tx: %w", err)
	}
	defer tx.Rollback()

	var lastEpisode int64
	var lastDetected sql.NullTime
	row := tx.QueryRow(`SELECT last_episode_id, last_detected_at FROM exit_episode_cursor WHERE trade_id = ? AND reason = ?`,
		tradeID, string(reason))
	err = row.Scan(&lastEpisode, &lastDetected)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read episode cursor: %w", err)
	}
	if err == nil && lastDetected.Valid && now.Sub(lastDetected.Time) < cooldown {
		return 0, ErrCooldownActive
	}

	nextEpisode := lastEpisode + 1
	_, err = tx.Exec(
		`INSERT INTO exit_episode_cursor (trade_id, reason, last_episode_id, last_detected_at) VALUES (?,?,?,?)
		 ON CONFLICT(trade_id, reason) DO UPDATE SET last_episode_id = excluded.last_episode_id, last_detected_at = excluded.last_detected_at`,
		tradeID, string(reason), nextEpisode, now)
	if err != nil {
		return 0, fmt.Errorf("advance episode cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit episode tx: %w", err)
	}
	return nextEpisode, nil
}

func (q *ExitSignalQueries) Insert(e *ExitSignal) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO exit_signals (exit_signal_id, trade_id, reason, episode_id, detected_at) VALUES (?,?,?,?,?)`,
		e.ExitSignalID, e.TradeID, string(e.Reason), e.EpisodeID, e.DetectedAt)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert exit signal: %w", err)
	}
	return nil
}

// ExitIntentQueries persists per-exit-signal qualification/execution records.
type ExitIntentQueries struct{ db *Database }

func NewExitIntentQueries(d *Database) *ExitIntentQueries { return &ExitIntentQueries{db: d} }

func (q *ExitIntentQueries) Insert(e *ExitIntent) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO exit_intents (exit_intent_id, exit_signal_id, trade_id, user_broker_id, reason, episode_id, status, order_type, limit_price)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ExitIntentID, e.ExitSignalID, e.TradeID, e.UserBrokerID, string(e.Reason), e.EpisodeID, string(e.Status), e.OrderType, e.LimitPrice)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert exit intent: %w", err)
	}
	return nil
}

// PendingForTrade returns any PENDING/APPROVED/PLACED/FILLED exit intent for
// a trade, enforcing the "no concurrent exit intent" qualifier rule.
func (q *ExitIntentQueries) PendingForTrade(tradeID string) (*ExitIntent, error) {
	row := q.db.DB.QueryRow(
		`SELECT exit_intent_id, exit_signal_id, trade_id, user_broker_id, reason, episode_id, status,
		        order_type, limit_price, broker_order_id, placed_at, filled_at
		 FROM exit_intents WHERE trade_id = ? AND status IN (?, ?, ?, ?)
		 ORDER BY rowid DESC LIMIT 1`,
		tradeID, string(ExitIntentPending), string(ExitIntentApproved), string(ExitIntentPlaced), string(ExitIntentFilled))
	ei := &ExitIntent{}
	var reason, status string
	err := row.Scan(&ei.ExitIntentID, &ei.ExitSignalID, &ei.TradeID, &ei.UserBrokerID, &reason, &ei.EpisodeID, &status,
		&ei.OrderType, &ei.LimitPrice, &ei.BrokerOrderID, &ei.PlacedAt, &ei.FilledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending exit intent: %w", err)
	}
	ei.Reason = ExitReason(reason)
	ei.Status = ExitIntentStatus(status)
	return ei, nil
}

// CountActiveForTrade counts PENDING/APPROVED/PLACED/FILLED exit intents for
// a trade, enforcing the "no concurrent exit intent" qualifier rule (§4.12).
// The intent the qualifier is currently deciding is itself PENDING at this
// point, so a count greater than one means another is already active.
func (q *ExitIntentQueries) CountActiveForTrade(tradeID string) (int, error) {
	row := q.db.DB.QueryRow(
		`SELECT COUNT(*) FROM exit_intents WHERE trade_id = ? AND status IN (?, ?, ?, ?)`,
		tradeID, string(ExitIntentPending), string(ExitIntentApproved), string(ExitIntentPlaced), string(ExitIntentFilled))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active exit intents: %w", err)
	}
	return n, nil
}

// SetBrokerOrderID records the broker's order id on an already-PLACED exit
// intent, once the synchronous acceptance is known.
func (q *ExitIntentQueries) SetBrokerOrderID(exitIntentID, brokerOrderID string) error {
	_, err := q.db.DB.Exec(`UPDATE exit_intents SET broker_order_id = ? WHERE exit_intent_id = ?`, brokerOrderID, exitIntentID)
	if err != nil {
		return fmt.Errorf("set exit intent broker order id: %w", err)
	}
	return nil
}

func (q *ExitIntentQueries) UpdateStatus(exitIntentID string, status ExitIntentStatus) error {
	_, err := q.db.DB.Exec(`UPDATE exit_intents SET status = ? WHERE exit_intent_id = ?`, string(status), exitIntentID)
	if err != nil {
		return fmt.Errorf("update exit intent status: %w", err)
	}
	return nil
}

// CompareAndPlace transitions APPROVED->PLACED conditionally, recording the
// broker order id; returns updated=false if another writer already moved it.
func (q *ExitIntentQueries) CompareAndPlace(exitIntentID, brokerOrderID string, placedAt time.Time) (bool, error) {
	res, err := q.db.DB.Exec(
		`UPDATE exit_intents SET status = ?, broker_order_id = ?, placed_at = ? WHERE exit_intent_id = ? AND status = ?`,
		string(ExitIntentPlaced), brokerOrderID, placedAt, exitIntentID, string(ExitIntentApproved))
	if err != nil {
		return false, fmt.Errorf("compare-and-place exit intent: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApprovedIntents returns every APPROVED exit intent, for the exit executor's
// poll loop (§4.12).
func (q *ExitIntentQueries) ApprovedIntents() ([]*ExitIntent, error) {
	return q.listByStatus(ExitIntentApproved)
}

func (q *ExitIntentQueries) PlacedIntents() ([]*ExitIntent, error) {
	return q.listByStatus(ExitIntentPlaced)
}

func (q *ExitIntentQueries) listByStatus(status ExitIntentStatus) ([]*ExitIntent, error) {
	rows, err := q.db.DB.Query(
		`SELECT exit_intent_id, exit_signal_id, trade_id, user_broker_id, reason, episode_id, status,
		        order_type, limit_price, broker_order_id, placed_at, filled_at
		 FROM exit_intents WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("select exit intents by status: %w", err)
	}
	defer rows.Close()

	var out []*ExitIntent
	for rows.Next() {
		ei := &ExitIntent{}
		var reason, status string
		if err := rows.Scan(&ei.ExitIntentID, &ei.ExitSignalID, &ei.TradeID, &ei.UserBrokerID, &reason, &ei.EpisodeID, &status,
			&ei.OrderType, &ei.LimitPrice, &ei.BrokerOrderID, &ei.PlacedAt, &ei.FilledAt); err != nil {
			return nil, err
		}
		ei.Reason = ExitReason(reason)
		ei.Status = ExitIntentStatus(status)
		out = append(out, ei)
	}
	return out, rows.Err()
}

// UserBrokerQueries manages execution-endpoint registrations.
type UserBrokerQueries struct{ db *Database }

func NewUserBrokerQueries(d *Database) *UserBrokerQueries { return &UserBrokerQueries{db: d} }

func (q *UserBrokerQueries) Get(id string) (*UserBroker, error) {
	row := q.db.DB.QueryRow(
		`SELECT id, user_id, role, venue, credentials_encrypted, key_version, enabled, is_data_broker, status,
		        capital, max_exposure, max_per_trade, max_open_trades, max_daily_loss, max_weekly_loss,
		        cooldown_minutes, created_at, updated_at
		 FROM user_brokers WHERE id = ?`, id)
	return scanUserBroker(row)
}

func scanUserBroker(row *sql.Row) (*UserBroker, error) {
	ub := &UserBroker{}
	var role string
	err := row.Scan(&ub.ID, &ub.UserID, &role, &ub.Venue, &ub.CredentialsEncrypted, &ub.KeyVersion, &ub.Enabled,
		&ub.IsDataBroker, &ub.Status, &ub.Capital, &ub.MaxExposure, &ub.MaxPerTrade, &ub.MaxOpenTrades,
		&ub.MaxDailyLoss, &ub.MaxWeeklyLoss, &ub.CooldownMinutes, &ub.CreatedAt, &ub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user_broker: %w", err)
	}
	ub.Role = BrokerRole(role)
	return ub, nil
}

// ListForUser lists every broker registration (data or exec) owned by
// userID, for the user-broker management endpoint.
func (q *UserBrokerQueries) ListForUser(userID string) ([]*UserBroker, error) {
	rows, err := q.db.DB.Query(
		`SELECT id, user_id, role, venue, credentials_encrypted, key_version, enabled, is_data_broker, status,
		        capital, max_exposure, max_per_trade, max_open_trades, max_daily_loss, max_weekly_loss,
		        cooldown_minutes, created_at, updated_at
		 FROM user_brokers WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user_brokers: %w", err)
	}
	defer rows.Close()

	var out []*UserBroker
	for rows.Next() {
		ub := &UserBroker{}
		var role string
		if err := rows.Scan(&ub.ID, &ub.UserID, &role, &ub.Venue, &ub.CredentialsEncrypted, &ub.KeyVersion, &ub.Enabled,
			&ub.IsDataBroker, &ub.Status, &ub.Capital, &ub.MaxExposure, &ub.MaxPerTrade, &ub.MaxOpenTrades,
			&ub.MaxDailyLoss, &ub.MaxWeeklyLoss, &ub.CooldownMinutes, &ub.CreatedAt, &ub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user_broker: %w", err)
		}
		ub.Role = BrokerRole(role)
		out = append(out, ub)
	}
	return out, rows.Err()
}

// EnabledExecBrokersForSymbol lists EXEC brokers whitelisted to trade symbol.
func (q *UserBrokerQueries) EnabledExecBrokersForSymbol(symbol string) ([]*UserBroker, error) {
	rows, err := q.db.DB.Query(
		`SELECT ub.id, ub.user_id, ub.role, ub.venue, ub.credentials_encrypted, ub.key_version, ub.enabled,
		        ub.is_data_broker, ub.status, ub.capital, ub.max_exposure, ub.max_per_trade, ub.max_open_trades,
		        ub.max_daily_loss, ub.max_weekly_loss, ub.cooldown_minutes, ub.created_at, ub.updated_at
		 FROM user_brokers ub
		 JOIN watchlist_symbols w ON w.user_broker_id = ub.id
		 WHERE ub.role = ? AND ub.enabled = 1 AND w.symbol = ?`, string(RoleExec), symbol)
	if err != nil {
		return nil, fmt.Errorf("select enabled exec brokers: %w", err)
	}
	defer rows.Close()

	var out []*UserBroker
	for rows.Next() {
		ub := &UserBroker{}
		var role string
		if err := rows.Scan(&ub.ID, &ub.UserID, &role, &ub.Venue, &ub.CredentialsEncrypted, &ub.KeyVersion, &ub.Enabled,
			&ub.IsDataBroker, &ub.Status, &ub.Capital, &ub.MaxExposure, &ub.MaxPerTrade, &ub.MaxOpenTrades,
			&ub.MaxDailyLoss, &ub.MaxWeeklyLoss, &ub.CooldownMinutes, &ub.CreatedAt, &ub.UpdatedAt); err != nil {
			return nil, err
		}
		ub.Role = BrokerRole(role)
		out = append(out, ub)
	}
	return out, rows.Err()
}

// OpenForUserBroker returns every OPEN trade for a user-broker, used by
// validation to compute current exposure and log-loss headroom.
func (q *TradeQueries) OpenForUserBroker(userBrokerID string) ([]*Trade, error) {
	rows, err := q.db.DB.Query(tradeSelectSQL+" WHERE user_broker_id = ? AND status = ?", userBrokerID, string(TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// RealizedPnLSince sums realized_pnl for trades closed at or after since,
// for daily/weekly loss-limit checks.
func (q *TradeQueries) RealizedPnLSince(userBrokerID string, since time.Time) (float64, error) {
	row := q.db.DB.QueryRow(`SELECT COALESCE(SUM(realized_pnl), 0) FROM trades
		WHERE user_broker_id = ? AND status = 'CLOSED' AND exit_timestamp >= ?`, userBrokerID, since)
	var sum float64
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return sum, nil
}

// LastClosedExitTime returns the exit timestamp of the most recently closed
// trade for (userBrokerId, symbol), nil if none, for the re-entry cooldown
// gate.
func (q *TradeQueries) LastClosedExitTime(userBrokerID, symbol string) (*time.Time, error) {
	row := q.db.DB.QueryRow(`SELECT exit_timestamp FROM trades
		WHERE user_broker_id = ? AND symbol = ? AND status = 'CLOSED' AND exit_timestamp IS NOT NULL
		ORDER BY exit_timestamp DESC LIMIT 1`, userBrokerID, symbol)
	var t time.Time
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last closed exit time: %w", err)
	}
	return &t, nil
}

// CountOpenForUserBroker returns the number of OPEN trades for a
// user-broker, for the open-trades cap gate.
func (q *TradeQueries) CountOpenForUserBroker(userBrokerID string) (int64, error) {
	row := q.db.DB.QueryRow(`SELECT COUNT(*) FROM trades WHERE user_broker_id = ? AND status = 'OPEN'`, userBrokerID)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return n, nil
}

// SymbolWhitelisted reports whether userBrokerId has symbol in its watchlist.
func (q *UserBrokerQueries) SymbolWhitelisted(userBrokerID, symbol string) (bool, error) {
	row := q.db.DB.QueryRow(`SELECT 1 FROM watchlist_symbols WHERE user_broker_id = ? AND symbol = ?`, userBrokerID, symbol)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check watchlist: %w", err)
	}
	return true, nil
}

// DataBroker returns the single enabled DATA broker, if any.
func (q *UserBrokerQueries) DataBroker() (*UserBroker, error) {
	row := q.db.DB.QueryRow(
		`SELECT id, user_id, role, venue, credentials_encrypted, key_version, enabled, is_data_broker, status,
		        capital, max_exposure, max_per_trade, max_open_trades, max_daily_loss, max_weekly_loss,
		        cooldown_minutes, created_at, updated_at
		 FROM user_brokers WHERE role = ? AND enabled = 1 LIMIT 1`, string(RoleData))
	return scanUserBroker(row)
}

func (q *UserBrokerQueries) Upsert(ub *UserBroker) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO user_brokers (id, user_id, role, venue, credentials_encrypted, key_version, enabled,
		                            is_data_broker, status, capital, max_exposure, max_per_trade, max_open_trades,
		                            max_daily_loss, max_weekly_loss, cooldown_minutes)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   credentials_encrypted = excluded.credentials_encrypted,
		   key_version = excluded.key_version,
		   enabled = excluded.enabled,
		   status = excluded.status,
		   capital = excluded.capital,
		   max_exposure = excluded.max_exposure,
		   max_per_trade = excluded.max_per_trade,
		   max_open_trades = excluded.max_open_trades,
		   max_daily_loss = excluded.max_daily_loss,
		   max_weekly_loss = excluded.max_weekly_loss,
		   cooldown_minutes = excluded.cooldown_minutes,
		   updated_at = CURRENT_TIMESTAMP`,
		ub.ID, ub.UserID, string(ub.Role), ub.Venue, ub.CredentialsEncrypted, ub.KeyVersion, ub.Enabled,
		ub.IsDataBroker, ub.Status, ub.Capital, ub.MaxExposure, ub.MaxPerTrade, ub.MaxOpenTrades,
		ub.MaxDailyLoss, ub.MaxWeeklyLoss, ub.CooldownMinutes,
	)
	if err != nil {
		return fmt.Errorf("upsert user_broker: %w", err)
	}
	return nil
}

// CandleQueries is the durable tier of the candle store.
type CandleQueries struct{ db *Database }

func NewCandleQueries(d *Database) *CandleQueries { return &CandleQueries{db: d} }

// Upsert collapses duplicate closes for the same (symbol, timeframe, startTime).
func (q *CandleQueries) Upsert(c *Candle) error {
	_, err := q.db.DB.Exec(
		`INSERT INTO candles (symbol, timeframe, start_time, open, high, low, close, volume)
		 VALUES (?,?,?,?,?,?,?,?)
		 ON CONFLICT(symbol, timeframe, start_time) DO UPDATE SET
		   high = MAX(candles.high, excluded.high),
		   low = MIN(candles.low, excluded.low),
		   close = excluded.close,
		   volume = excluded.volume`,
		c.Symbol, string(c.Timeframe), c.StartTime, c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// RecentWindow returns the most recent n candles for (symbol, timeframe) in
// ascending time order, the durable fallback behind the in-memory ring.
func (q *CandleQueries) RecentWindow(symbol string, tf Timeframe, n int) ([]*Candle, error) {
	rows, err := q.db.DB.Query(
		`SELECT symbol, timeframe, start_time, open, high, low, close, volume
		 FROM candles WHERE symbol = ? AND timeframe = ? ORDER BY start_time DESC LIMIT ?`,
		symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("select recent candles: %w", err)
	}
	defer rows.Close()

	var out []*Candle
	for rows.Next() {
		c := &Candle{}
		var timeframe string
		if err := rows.Scan(&c.Symbol, &timeframe, &c.StartTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Timeframe = Timeframe(timeframe)
		out = append(out, c)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// UserQueries manages API-auth principals, grounded on the teacher's
// user-isolated CRUD pattern.
type UserQueries struct{ db *Database }

func NewUserQueries(d *Database) *UserQueries { return &UserQueries{db: d} }

func (q *UserQueries) ByEmail(email string) (*User, error) {
	row := q.db.DB.QueryRow(`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email)
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (q *UserQueries) Insert(u *User) error {
	_, err := q.db.DB.Exec(`INSERT INTO users (id, email, password_hash) VALUES (?,?,?)`, u.ID, u.Email, u.PasswordHash)
	if IsUniqueConstraint(err) {
		return ErrUniquenessConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}
