// Package api exposes the REST control surface (signals, trades,
// user-brokers, reconciliation status, metrics) and the websocket upgrade
// route that hands off to internal/hub.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"confluence-engine/internal/hub"
	"confluence-engine/internal/monitor"
	"confluence-engine/internal/trade"
	"confluence-engine/pkg/db"
)

// Server wires the gin engine to storage, the broadcast hub, and metrics.
type Server struct {
	Database  *db.Database
	Hub       *hub.Hub
	Metrics   *monitor.SystemMetrics
	JWTSecret string

	users       *db.UserQueries
	signals     *db.SignalQueries
	trades      *db.TradeQueries
	tradeMgr    *trade.Manager
	userBrokers *db.UserBrokerQueries
	exitIntents *db.ExitIntentQueries
	events      *db.EventQueries

	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds a Server with every route registered.
func NewServer(database *db.Database, h *hub.Hub, tradeMgr *trade.Manager, metrics *monitor.SystemMetrics, jwtSecret string, requestTimeout time.Duration) *Server {
	s := &Server{
		Database:    database,
		Hub:         h,
		Metrics:     metrics,
		JWTSecret:   jwtSecret,
		users:       db.NewUserQueries(database),
		signals:     db.NewSignalQueries(database),
		trades:      db.NewTradeQueries(database),
		tradeMgr:    tradeMgr,
		userBrokers: db.NewUserBrokerQueries(database),
		exitIntents: db.NewExitIntentQueries(database),
		events:      db.NewEventQueries(database),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	engine.Use(RequestLogger(metrics))
	engine.Use(RateLimitMiddleware())
	engine.Use(TimeoutMiddleware(requestTimeout))
	engine.Use(CORSMiddleware())

	public := engine.Group("/api/v1")
	public.POST("/auth/register", s.registerUser)
	public.POST("/auth/login", s.loginUser)
	public.GET("/healthz", s.healthz)

	protected := engine.Group("/api/v1")
	protected.Use(AuthMiddleware(jwtSecret))
	protected.GET("/signals/:signalId", s.getSignal)
	protected.GET("/trades", s.listTrades)
	protected.GET("/trades/:tradeId", s.getTrade)
	protected.GET("/user-brokers", s.listUserBrokers)
	protected.PUT("/user-brokers", s.upsertUserBroker)
	protected.GET("/reconcile/status", s.reconcileStatus)
	protected.GET("/metrics", s.getMetrics)
	protected.GET("/events/replay", s.replayEvents)
	protected.GET("/ws", s.websocketUpgrade)

	s.engine = engine
	return s
}

// Run starts the HTTP server and blocks until it stops or ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
