package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// -----------------------------------------------------------------------------
// Block/white lists
// -----------------------------------------------------------------------------

// addToBlocklist handles POST /v1/admin/blocklist/:userId
func (s *Server) addToBlocklist(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	s.lists.AddToBlocklist(userID)
	s.logger.Info("user added to blocklist", "userId", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "blocked": true})
}

// removeFromBlocklist handles DELETE /v1/admin/blocklist/:userId
func (s *Server) removeFromBlocklist(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	s.lists.RemoveFromBlocklist(userID)
	s.logger.Info("user removed from blocklist", "userId", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "blocked": false})
}

// addToWhitelist handles POST /v1/admin/whitelist/:userId
func (s *Server) addToWhitelist(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	s.lists.AddToWhitelist(userID)
	s.logger.Info("user added to whitelist", "userId", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "whitelisted": true})
}

// removeFromWhitelist handles DELETE /v1/admin/whitelist/:userId
func (s *Server) removeFromWhitelist(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	s.lists.RemoveFromWhitelist(userID)
	s.logger.Info("user removed from whitelist", "userId", userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "whitelisted": false})
}

// -----------------------------------------------------------------------------
// Thresholds
// -----------------------------------------------------------------------------

// getThresholds handles GET /v1/admin/thresholds
func (s *Server) getThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"thresholds": s.policy.Snapshot()})
}

// ThresholdUpdateRequest is the body for PUT /v1/admin/thresholds.
type ThresholdUpdateRequest struct {
	Category string  `json:"category" binding:"required"`
	Level    string  `json:"level" binding:"required"`
	Value    float64 `json:"value"`
}

// setThreshold handles PUT /v1/admin/thresholds. Updates take effect on the
// next evaluation; monitors read the shared policy on every call.
func (s *Server) setThreshold(c *gin.Context) {
	var req ThresholdUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "category, level, and value are required",
		})
		return
	}

	if !s.policy.Set(req.Category, req.Level, req.Value) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_threshold",
			"message": "Unknown category or level",
		})
		return
	}

	s.logger.Info("threshold updated",
		"category", req.Category,
		"level", req.Level,
		"value", req.Value,
	)
	c.JSON(http.StatusOK, gin.H{
		"category": req.Category,
		"level":    req.Level,
		"value":    req.Value,
	})
}

// -----------------------------------------------------------------------------
// Bans
// -----------------------------------------------------------------------------

// BanRequest is the body for POST /v1/admin/bans.
type BanRequest struct {
	Key             string `json:"key" binding:"required"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"durationSeconds"`
}

// banKey handles POST /v1/admin/bans
func (s *Server) banKey(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "key is required",
		})
		return
	}

	duration := s.cfg.BanDuration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual ban"
	}

	s.rateLimiter.Ban(req.Key, reason, duration)
	c.JSON(http.StatusOK, gin.H{
		"key":       req.Key,
		"reason":    reason,
		"expiresAt": time.Now().Add(duration).UTC().Format(time.RFC3339),
	})
}

// getBan handles GET /v1/admin/bans/:key
func (s *Server) getBan(c *gin.Context) {
	key := c.Param("key")
	reason, expiresAt, ok := s.rateLimiter.BanReason(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_banned",
			"message": "Key is not banned",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":       key,
		"reason":    reason,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

// unbanKey handles DELETE /v1/admin/bans/:key. Unbanning is idempotent.
func (s *Server) unbanKey(c *gin.Context) {
	key := c.Param("key")
	s.rateLimiter.Unban(key)
	s.logger.Info("key unbanned", "key", key)
	c.JSON(http.StatusOK, gin.H{"key": key, "banned": false})
}

// -----------------------------------------------------------------------------
// Reputation networks
// -----------------------------------------------------------------------------

// NetworkRequest is the body for POST /v1/admin/networks.
type NetworkRequest struct {
	CIDR string `json:"cidr" binding:"required"`
	List string `json:"list" binding:"required"` // "trusted" or "bad"
}

// addNetwork handles POST /v1/admin/networks
func (s *Server) addNetwork(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "cidr and list are required",
		})
		return
	}

	var added bool
	switch req.List {
	case "trusted":
		added = s.reputation.AddTrustedNetwork(req.CIDR)
	case "bad":
		added = s.reputation.AddKnownBadNetwork(req.CIDR)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_list",
			"message": "list must be \"trusted\" or \"bad\"",
		})
		return
	}

	if !added {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cidr",
			"message": "cidr is not a valid network prefix",
		})
		return
	}

	s.logger.Info("reputation network added", "cidr", req.CIDR, "list", req.List)
	c.JSON(http.StatusOK, gin.H{"cidr": req.CIDR, "list": req.List})
}

// -----------------------------------------------------------------------------
// Bot fingerprints
// -----------------------------------------------------------------------------

// listFingerprints handles GET /v1/admin/bots/fingerprints
func (s *Server) listFingerprints(c *gin.Context) {
	names := s.bots.Fingerprints()
	c.JSON(http.StatusOK, gin.H{"fingerprints": names, "count": len(names)})
}

// FingerprintRequest is the body for POST /v1/admin/bots/fingerprints.
type FingerprintRequest struct {
	Name          string `json:"name" binding:"required"`
	Pattern       string `json:"pattern" binding:"required"`
	Allowed       bool   `json:"allowed"`
	VerifyPattern string `json:"verifyPattern"`
}

// addFingerprint handles POST /v1/admin/bots/fingerprints
func (s *Server) addFingerprint(c *gin.Context) {
	var req FingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name and pattern are required",
		})
		return
	}

	if err := s.bots.AddFingerprint(req.Name, req.Pattern, req.Allowed, req.VerifyPattern); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_fingerprint",
			"message": err.Error(),
		})
		return
	}

	s.logger.Info("bot fingerprint added", "name", req.Name, "allowed", req.Allowed)
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "allowed": req.Allowed})
}

// allowBot handles POST /v1/admin/bots/fingerprints/:name/allow
func (s *Server) allowBot(c *gin.Context) {
	name := c.Param("name")
	if !s.bots.AllowBot(name) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_bot",
			"message": "No fingerprint with that name",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "allowed": true})
}

// blockBot handles POST /v1/admin/bots/fingerprints/:name/block
func (s *Server) blockBot(c *gin.Context) {
	name := c.Param("name")
	if !s.bots.BlockBot(name) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_bot",
			"message": "No fingerprint with that name",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "allowed": false})
}
