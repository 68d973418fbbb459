package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"confluence-engine/pkg/db"
)

// MockGateway simulates a broker for local/dry-run operation: orders fill
// immediately at the requested price with a small slippage, and it can also
// serve as the DATA broker by synthesizing a random-walk tick stream.
type MockGateway struct {
	mu     sync.Mutex
	orders map[string]*mockOrder

	SlippageBps float64
	Symbols     []string
	basePrices  map[string]float64
}

type mockOrder struct {
	req       OrderRequest
	brokerID  string
	status    Status
	avgPrice  float64
	filledQty float64
	updatedAt time.Time
}

// NewMockGateway builds a mock gateway seeded with a starting price per symbol.
func NewMockGateway(symbols []string, basePrice float64) *MockGateway {
	base := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		base[s] = basePrice
	}
	return &MockGateway{
		orders:      make(map[string]*mockOrder),
		SlippageBps: 2,
		Symbols:     symbols,
		basePrices:  base,
	}
}

func (m *MockGateway) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price := req.LimitPrice
	if price == 0 {
		price = m.basePrices[req.Symbol]
	}
	slip := price * (m.SlippageBps / 10000)
	if req.Side == SideBuy {
		price += slip
	} else {
		price -= slip
	}

	brokerID := "mock-" + req.ClientOrderID
	m.orders[req.ClientOrderID] = &mockOrder{
		req: req, brokerID: brokerID, status: StatusFilled,
		avgPrice: price, filledQty: req.Qty, updatedAt: time.Now(),
	}
	return PlaceResult{Acceptance: &Acceptance{BrokerOrderID: brokerID}}, nil
}

func (m *MockGateway) ModifyOrder(ctx context.Context, brokerOrderID string, newLimitPrice float64) error {
	return nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.orders {
		if o.brokerID == brokerOrderID {
			o.status = StatusCancelled
			m.orders[id] = o
		}
	}
	return nil
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, clientOrderID, brokerOrderID string) (OrderStatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return OrderStatusResult{Status: StatusRejected, RejectReason: "unknown order"}, nil
	}
	return OrderStatusResult{Status: o.status, FilledQty: o.filledQty, AvgPrice: o.avgPrice, UpdatedAt: o.updatedAt}, nil
}

func (m *MockGateway) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Candle, error) {
	return nil, nil
}

// StreamTicks synthesizes a random-walk tick stream for local operation,
// standing in for a real data-broker session (supplemented feature,
// grounded on the teacher's mock market feed).
func (m *MockGateway) StreamTicks(ctx context.Context, symbols []string) (<-chan Tick, error) {
	ch := make(chan Tick, 256)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range symbols {
					m.mu.Lock()
					price := m.basePrices[sym]
					price *= 1 + (rand.Float64()-0.5)*0.001
					m.basePrices[sym] = price
					m.mu.Unlock()
					ch <- Tick{Symbol: sym, LastPrice: price, LastQty: 1, ExchangeTimestamp: time.Now()}
				}
			}
		}
	}()
	return ch, nil
}

// Pool caches one Gateway per user-broker, generalized from the teacher's
// per-strategy gateway cache (internal/order/executor.go) to per-user-broker.
type Pool struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	factory  func(ub *db.UserBroker) (Gateway, error)
}

// NewPool builds a gateway pool that lazily constructs gateways via factory.
func NewPool(factory func(ub *db.UserBroker) (Gateway, error)) *Pool {
	return &Pool{gateways: make(map[string]Gateway), factory: factory}
}

// For returns the cached gateway for a user-broker, constructing it on first use.
func (p *Pool) For(ub *db.UserBroker) (Gateway, error) {
	p.mu.RLock()
	gw, ok := p.gateways[ub.ID]
	p.mu.RUnlock()
	if ok {
		return gw, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gw, ok := p.gateways[ub.ID]; ok {
		return gw, nil
	}
	gw, err := p.factory(ub)
	if err != nil {
		return nil, err
	}
	p.gateways[ub.ID] = gw
	return gw, nil
}

// Invalidate drops a cached gateway, forcing reconstruction on next use
// (e.g. after a credential rotation).
func (p *Pool) Invalidate(userBrokerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.gateways, userBrokerID)
}
