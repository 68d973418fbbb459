package db

import "time"

// Timeframe enumerates candle periods this runtime aggregates.
type Timeframe string

const (
	Timeframe1m   Timeframe = "1m"
	Timeframe25m  Timeframe = "25m"
	Timeframe125m Timeframe = "125m"
	TimeframeDay  Timeframe = "daily"
)

// Direction is the trade/signal side.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ConfluenceType is the zone-alignment classification.
type ConfluenceType string

const (
	ConfluenceNone   ConfluenceType = "NONE"
	ConfluenceSingle ConfluenceType = "SINGLE"
	ConfluenceDouble ConfluenceType = "DOUBLE"
	ConfluenceTriple ConfluenceType = "TRIPLE"
)

// SignalStatus is the lifecycle state of an entry signal.
type SignalStatus string

const (
	SignalPublished  SignalStatus = "PUBLISHED"
	SignalExpired    SignalStatus = "EXPIRED"
	SignalInvalidate SignalStatus = "INVALIDATED"
)

// DeliveryStatus is the per-(signal,user-broker) fan-out state.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryProcessed DeliveryStatus = "PROCESSED"
	DeliveryRejected  DeliveryStatus = "REJECTED"
)

// TradeStatus is the trade-manager state machine.
type TradeStatus string

const (
	TradeCreated  TradeStatus = "CREATED"
	TradePending  TradeStatus = "PENDING"
	TradeOpen     TradeStatus = "OPEN"
	TradeExiting  TradeStatus = "EXITING"
	TradeClosed   TradeStatus = "CLOSED"
	TradeRejected TradeStatus = "REJECTED"
	TradeCanceled TradeStatus = "CANCELLED"
	TradeTimeout  TradeStatus = "TIMEOUT"
)

// ExitReason enumerates why an open trade is flagged for exit.
type ExitReason string

const (
	ExitTargetHit    ExitReason = "TARGET_HIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTimeBased    ExitReason = "TIME_BASED"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitManual       ExitReason = "MANUAL"
)

// ExitIntentStatus is the per-exit-signal qualification/execution state.
type ExitIntentStatus string

const (
	ExitIntentPending  ExitIntentStatus = "PENDING"
	ExitIntentApproved ExitIntentStatus = "APPROVED"
	ExitIntentRejected ExitIntentStatus = "REJECTED"
	ExitIntentPlaced   ExitIntentStatus = "PLACED"
	ExitIntentFilled   ExitIntentStatus = "FILLED"
	ExitIntentFailed   ExitIntentStatus = "FAILED"
)

// EventScope controls event-bus fan-out routing.
type EventScope string

const (
	ScopeGlobal     EventScope = "GLOBAL"
	ScopeUser       EventScope = "USER"
	ScopeUserBroker EventScope = "USER_BROKER"
)

// BrokerRole distinguishes the single data feed from execution endpoints.
type BrokerRole string

const (
	RoleData BrokerRole = "DATA"
	RoleExec BrokerRole = "EXEC"
)

// Candle is an immutable OHLCV bar.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Signal is a symbol-scope entry market fact.
type Signal struct {
	SignalID         string
	Symbol           string
	Direction        Direction
	ConfluenceType   ConfluenceType
	HTFLow, HTFHigh  float64
	ITFLow, ITFHigh  float64
	LTFLow, LTFHigh  float64
	EffectiveFloor   float64
	EffectiveCeiling float64
	RefPrice         float64
	PWin             float64
	Kelly            float64
	SignalDay        string
	GeneratedAt      time.Time
	ExpiresAt        time.Time
	LastSeenAt       time.Time
	Status           SignalStatus
}

// SignalDelivery is the per-(signal,user-broker) fan-out record.
type SignalDelivery struct {
	DeliveryID   string
	SignalID     string
	UserBrokerID string
	Status       DeliveryStatus
	CreatedAt    time.Time
}

// TradeIntent is the immutable qualification outcome for one delivery.
type TradeIntent struct {
	IntentID          string // == clientOrderId
	SignalID          string
	UserBrokerID      string
	ValidationPassed  bool
	ApprovedQty       int64
	OrderType         string
	LimitPrice        float64
	ProductType       string
	RejectionReasons  []string
	CreatedAt         time.Time
}

// Trade is the sole lifecycle object owned by the trade manager.
type Trade struct {
	TradeID            string
	IntentID           string
	ClientOrderID      string
	BrokerOrderID      *string
	UserBrokerID       string
	SignalID           string
	Symbol             string
	Direction          Direction
	TradeNumber        int
	Status             TradeStatus
	EntryPrice         *float64
	EntryQty           *float64
	EntryValue         *float64
	EntryTimestamp     *time.Time
	ExitTargetPrice    *float64
	ExitStopPrice      *float64
	TrailingActive     bool
	TrailingExtremum   *float64
	TrailingStopPrice  *float64
	ExitPrice          *float64
	ExitTimestamp      *time.Time
	ExitReason         *string
	RealizedPnL        *float64
	RealizedLogReturn  *float64
	LastBrokerUpdateAt *time.Time
	RowVersion         int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExitSignal is a per-trade detection fact.
type ExitSignal struct {
	ExitSignalID string
	TradeID      string
	Reason       ExitReason
	EpisodeID    int64
	DetectedAt   time.Time
}

// ExitIntent is the per-exit-signal qualification and execution record.
type ExitIntent struct {
	ExitIntentID  string
	ExitSignalID  string
	TradeID       string
	UserBrokerID  string
	Reason        ExitReason
	EpisodeID     int64
	Status        ExitIntentStatus
	OrderType     string
	LimitPrice    *float64
	BrokerOrderID *string
	PlacedAt      *time.Time
	FilledAt      *time.Time
}

// Event is one append-only entry in the durable log.
type Event struct {
	Seq          int64
	Type         string
	Scope        EventScope
	UserID       *string
	UserBrokerID *string
	SignalID     *string
	IntentID     *string
	TradeID      *string
	Payload      string
	CreatedAt    time.Time
}

// UserBroker is an execution endpoint / data-feed registration.
type UserBroker struct {
	ID                   string
	UserID               string
	Role                 BrokerRole
	Venue                string
	CredentialsEncrypted string
	KeyVersion           int
	Enabled              bool
	IsDataBroker         bool
	Status               string
	Capital              float64
	MaxExposure          float64
	MaxPerTrade          float64
	MaxOpenTrades        int
	MaxDailyLoss         float64
	MaxWeeklyLoss        float64
	CooldownMinutes      int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// User is an API-auth principal.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
