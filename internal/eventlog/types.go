package eventlog

import "errors"

// Type enumerates the event payload kinds carried in the durable log (§6).
type Type string

const (
	TypeTick                 Type = "TICK"
	TypeCandleClosed         Type = "CANDLE_CLOSED"
	TypeSignalPublished      Type = "SIGNAL_PUBLISHED"
	TypeSignalExpired        Type = "SIGNAL_EXPIRED"
	TypeSignalDeliveryCreated Type = "SIGNAL_DELIVERY_CREATED"
	TypeIntentApproved       Type = "INTENT_APPROVED"
	TypeIntentRejected       Type = "INTENT_REJECTED"
	TypeTradeCreated         Type = "TRADE_CREATED"
	TypeTradeUpdated         Type = "TRADE_UPDATED"
	TypeTradeClosed          Type = "TRADE_CLOSED"
	TypeOrderPlaced          Type = "ORDER_PLACED"
	TypeOrderFilled          Type = "ORDER_FILLED"
	TypeOrderRejected        Type = "ORDER_REJECTED"
	TypeOrderTimeout         Type = "ORDER_TIMEOUT"
	TypeExitSignalPublished  Type = "EXIT_SIGNAL_PUBLISHED"
	TypeExitIntentApproved   Type = "EXIT_INTENT_APPROVED"
	TypeExitIntentRejected   Type = "EXIT_INTENT_REJECTED"
	TypeExitIntentPlaced     Type = "EXIT_INTENT_PLACED"
	TypeExitIntentFilled     Type = "EXIT_INTENT_FILLED"
	TypeWatchdogCheckFailed  Type = "WATCHDOG_CHECK_FAILED"
	TypeSystemStartup       Type = "SYSTEM_STARTUP"
)

// ErrPersist wraps storage failures on append; the caller must not proceed
// with the associated state change when this is returned (§4.1, §7).
var ErrPersist = errors.New("eventlog: persist failed")
