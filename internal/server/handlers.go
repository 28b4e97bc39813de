package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rivetgames/sentry/internal/risk"
)

// defaultFeedLimit bounds suspicious-entity listings when ?limit is absent.
const defaultFeedLimit = 50

// -----------------------------------------------------------------------------
// Risk assessment
// -----------------------------------------------------------------------------

// recordTransaction handles POST /v1/risk/transactions
func (s *Server) recordTransaction(c *gin.Context) {
	var tx risk.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if tx.UserID <= 0 || tx.ItemID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and itemId must be positive",
		})
		return
	}
	if tx.Amount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must not be negative",
		})
		return
	}

	assessment := s.transactions.RecordTransaction(c.Request.Context(), tx)
	c.JSON(http.StatusOK, assessment)
}

// recordLogin handles POST /v1/risk/logins
func (s *Server) recordLogin(c *gin.Context) {
	var l risk.Login
	if err := c.ShouldBindJSON(&l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if l.UserID <= 0 || l.IP == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId must be positive and ip is required",
		})
		return
	}

	assessment := s.accounts.RecordLogin(c.Request.Context(), l)
	c.JSON(http.StatusOK, assessment)
}

// recordItemActivity handles POST /v1/risk/items
func (s *Server) recordItemActivity(c *gin.Context) {
	var ev risk.ItemEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if ev.ItemID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "itemId must be positive",
		})
		return
	}
	switch ev.Type {
	case risk.ItemCreate, risk.ItemPurchase, risk.ItemTransfer, risk.ItemModify:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event_type",
			"message": "type must be one of create, purchase, transfer, modify",
		})
		return
	}

	assessment := s.items.RecordActivity(c.Request.Context(), ev)
	c.JSON(http.StatusOK, assessment)
}

// getUserRisk handles GET /v1/risk/users/:userId
func (s *Server) getUserRisk(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.transactions.UserRiskScore(userID))
}

// -----------------------------------------------------------------------------
// Suspicious entity feeds
// -----------------------------------------------------------------------------

func (s *Server) getSuspiciousTransactions(c *gin.Context) {
	limit := limitQuery(c)
	txs := s.transactions.SuspiciousTransactions(limit)
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (s *Server) getSuspiciousUsers(c *gin.Context) {
	limit := limitQuery(c)
	users := s.accounts.SuspiciousUsers(limit)
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (s *Server) getSuspiciousIPs(c *gin.Context) {
	limit := limitQuery(c)
	ips := s.accounts.SuspiciousIPs(limit)
	c.JSON(http.StatusOK, gin.H{"ips": ips, "count": len(ips)})
}

func (s *Server) getSuspiciousItems(c *gin.Context) {
	limit := limitQuery(c)
	items := s.items.SuspiciousItems(limit)
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// -----------------------------------------------------------------------------
// Cross-entity lookups
// -----------------------------------------------------------------------------

func (s *Server) getAccountsByIP(c *gin.Context) {
	ip := c.Param("ip")
	accounts := s.accounts.AccountsByIP(ip)
	c.JSON(http.StatusOK, gin.H{"ip": ip, "accounts": accounts, "count": len(accounts)})
}

func (s *Server) getIPsByUser(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	ips := s.accounts.IPsByUser(userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "ips": ips, "count": len(ips)})
}

func (s *Server) getItemOwners(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("itemId"), 10, 64)
	if err != nil || itemID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_item_id",
			"message": "itemId must be a positive integer",
		})
		return
	}
	owners := s.items.ItemOwners(itemID)
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "owners": owners, "count": len(owners)})
}

func (s *Server) getUserItems(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	items := s.items.UserItems(userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "items": items, "count": len(items)})
}

// -----------------------------------------------------------------------------
// Reputation & bots
// -----------------------------------------------------------------------------

// getReputation handles GET /v1/reputation/:ip
func (s *Server) getReputation(c *gin.Context) {
	ip := c.Param("ip")
	rep := s.reputation.Check(c.Request.Context(), ip)
	c.JSON(http.StatusOK, gin.H{
		"ip":         ip,
		"score":      rep.Score,
		"categories": rep.Categories,
		"trusted":    s.reputation.IsTrusted(ip),
		"knownBad":   s.reputation.IsKnownBad(ip),
	})
}

// BotCheckRequest is the body for POST /v1/bots/check. The IP is optional;
// without it an allowed crawler passes on its signature alone.
type BotCheckRequest struct {
	UserAgent string `json:"userAgent"`
	IP        string `json:"ip"`
}

func (s *Server) checkBot(c *gin.Context) {
	var req BotCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result := s.bots.Classify(c.Request.Context(), req.UserAgent, req.IP)
	c.JSON(http.StatusOK, gin.H{
		"isBot":       result.IsBot,
		"botName":     result.BotName,
		"isAllowed":   result.IsAllowed,
		"verified":    result.Verified,
		"shouldBlock": result.IsBot && (!result.IsAllowed || !result.Verified),
	})
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// statsHandler handles GET /v1/stats with a snapshot across all components.
func (s *Server) statsHandler(c *gin.Context) {
	blocked, whitelisted := s.lists.Counts()
	c.JSON(http.StatusOK, gin.H{
		"transactions": s.transactions.Stats(),
		"accounts":     s.accounts.Stats(),
		"items":        s.items.Stats(),
		"rateLimiter":  s.rateLimiter.Stats(),
		"reputation":   s.reputation.Stats(),
		"lists": gin.H{
			"blocked":     blocked,
			"whitelisted": whitelisted,
		},
	})
}

// -----------------------------------------------------------------------------
// Param helpers
// -----------------------------------------------------------------------------

func userIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId must be a positive integer",
		})
		return 0, false
	}
	return userID, true
}

func limitQuery(c *gin.Context) int {
	limit := defaultFeedLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit
}
