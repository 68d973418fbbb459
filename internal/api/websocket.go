package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// websocketUpgrade authenticates the caller (already enforced by
// AuthMiddleware) and hands the raw request off to the broadcast hub,
// scoping the session to this user and an optional userBrokerId filter.
func (s *Server) websocketUpgrade(c *gin.Context) {
	if s.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "HUB_UNAVAILABLE", "error": "broadcast hub not running"})
		return
	}

	userID := CurrentUserID(c)
	var userBrokerID *string
	if v := c.Query("userBrokerId"); v != "" {
		userBrokerID = &v
	}
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("afterSeq", "0"), 10, 64)

	s.Hub.HandleWebSocket(c.Writer, c.Request, &userID, userBrokerID, afterSeq)
}
