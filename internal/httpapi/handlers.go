package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"telehealth-calls/internal/audit"
	"telehealth-calls/internal/auth"
	"telehealth-calls/internal/calls"
	"telehealth-calls/internal/presence"
	"telehealth-calls/internal/rbac"
	"telehealth-calls/internal/reporting"
	"telehealth-calls/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Env       string
	Auth      *auth.Manager
	Machine   *calls.Machine
	Presence  *presence.Table
	Reporting *reporting.Service
	Audit     *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id" binding:"required,max=128"`
	Role   string `json:"role" binding:"required,oneof=patient doctor admin"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a development-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Env == "production" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role are required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
}

// --- Calls ---

// History returns the caller's own call records. Admins may pass user_id.
func (h Handlers) History(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if other := c.Query("user_id"); other != "" && other != userID {
		role, _ := auth.Role(ctx)
		if !rbac.IsAdmin(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		userID = other
	}

	req := reporting.HistoryRequest{UserID: userID}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		req.Limit = n
	}
	if req.From, err = queryTime(c, "from"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	if req.To, err = queryTime(c, "to"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}

	hist, err := h.Reporting.History(ctx, req)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		logger.FromGin(c).Error("history lookup failed", "user_id", userID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, hist)
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// Active is an admin snapshot of live sessions and connected users.
// RBAC: admin.
func (h Handlers) Active(c *gin.Context) {
	if h.Machine == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	live := make([]calls.Session, 0)
	for _, s := range h.Machine.Store().Snapshot() {
		if !s.State.Terminal() {
			live = append(live, s)
		}
	}
	online := 0
	if h.Presence != nil {
		online = h.Presence.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"active_sessions": len(live),
		"online_users":    online,
		"sessions":        live,
	})
}

// SessionEvents returns the transition log of one session. The lookup itself is audited.
// RBAC: admin.
func (h Handlers) SessionEvents(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id must be a uuid"})
		return
	}

	events, err := h.Audit.ListBySession(ctx, sessionID)
	if err != nil {
		logger.FromGin(c).Error("session events lookup failed", "session_id", sessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	adminID, _ := auth.UserID(ctx)
	if err := h.Audit.LogAdminView(ctx, sessionID, adminID); err != nil {
		logger.FromGin(c).Warn("admin view not audited", "session_id", sessionID, "err", err)
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "events": events})
}

// Convenience middleware bundles.

func RequireAdmin() []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireAnyRole(rbac.RoleAdmin)}
}
