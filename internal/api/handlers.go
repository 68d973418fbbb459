package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"confluence-engine/pkg/db"
)

func (s *Server) getSignal(c *gin.Context) {
	sig, err := s.signals.Get(c.Param("signalId"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "SIGNAL_NOT_FOUND", "error": "signal not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) getTrade(c *gin.Context) {
	t, err := s.trades.Get(c.Param("tradeId"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "TRADE_NOT_FOUND", "error": "trade not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// listTrades lists the OPEN trades of a caller-supplied userBrokerId; an
// unset userBrokerId lists every CREATED or PENDING trade across all
// user-brokers (the operator view), which does not include OPEN trades.
func (s *Server) listTrades(c *gin.Context) {
	userBrokerID := c.Query("userBrokerId")
	if userBrokerID != "" {
		trades, err := s.trades.OpenForUserBroker(userBrokerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": trades})
		return
	}

	trades, err := s.trades.NonTerminal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) listUserBrokers(c *gin.Context) {
	userID := CurrentUserID(c)
	brokers, err := s.userBrokers.ListForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userBrokers": brokers})
}

// upsertUserBroker registers or updates a broker endpoint for the
// authenticated user. Credential encryption happens in pkg/crypto before
// this handler is reached by the caller (the plaintext secret never
// transits this struct); CredentialsEncrypted is accepted pre-encrypted.
func (s *Server) upsertUserBroker(c *gin.Context) {
	var req struct {
		ID                   string  `json:"id"`
		Role                 string  `json:"role"`
		Venue                string  `json:"venue"`
		CredentialsEncrypted string  `json:"credentialsEncrypted"`
		KeyVersion           int     `json:"keyVersion"`
		Enabled              bool    `json:"enabled"`
		IsDataBroker         bool    `json:"isDataBroker"`
		Capital              float64 `json:"capital"`
		MaxExposure          float64 `json:"maxExposure"`
		MaxPerTrade          float64 `json:"maxPerTrade"`
		MaxOpenTrades        int     `json:"maxOpenTrades"`
		MaxDailyLoss         float64 `json:"maxDailyLoss"`
		MaxWeeklyLoss        float64 `json:"maxWeeklyLoss"`
		CooldownMinutes      int     `json:"cooldownMinutes"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ub := &db.UserBroker{
		ID:                   req.ID,
		UserID:               CurrentUserID(c),
		Role:                 db.BrokerRole(req.Role),
		Venue:                req.Venue,
		CredentialsEncrypted: req.CredentialsEncrypted,
		KeyVersion:           req.KeyVersion,
		Enabled:              req.Enabled,
		IsDataBroker:         req.IsDataBroker,
		Status:               "CONNECTED",
		Capital:              req.Capital,
		MaxExposure:          req.MaxExposure,
		MaxPerTrade:          req.MaxPerTrade,
		MaxOpenTrades:        req.MaxOpenTrades,
		MaxDailyLoss:         req.MaxDailyLoss,
		MaxWeeklyLoss:        req.MaxWeeklyLoss,
		CooldownMinutes:      req.CooldownMinutes,
	}
	if err := s.userBrokers.Upsert(ub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ub)
}

// reconcileStatus summarizes outstanding work the reconcilers will pick up
// on their next pass: non-terminal trades and in-flight exit intents.
func (s *Server) reconcileStatus(c *gin.Context) {
	nonTerminal, err := s.trades.NonTerminal()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	approved, err := s.exitIntents.ApprovedIntents()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	placed, err := s.exitIntents.PlacedIntents()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nonTerminalTrades":  len(nonTerminal),
		"approvedExitIntents": len(approved),
		"placedExitIntents":   len(placed),
		"checkedAt":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// replayEvents returns every event persisted after afterSeq, for a client
// bootstrapping state outside of the websocket's own backlog replay.
func (s *Server) replayEvents(c *gin.Context) {
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("afterSeq", "0"), 10, 64)
	events, err := s.events.Replay(afterSeq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
