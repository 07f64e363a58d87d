package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "plotweaver_user_id"

var (
	errMissingAuthManager   = errors.New("credential manager dependency required")
	errMissingSessions      = errors.New("session manager dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingRegistry      = errors.New("connection registry dependency required")
	errMissingLockEngine    = errors.New("lock engine dependency required")
	errMissingRateLimits    = errors.New("rate limit manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the collaboration components into the HTTP surface.
type Dependencies struct {
	AuthManager *auth.Manager
	Sessions    *auth.SessionManager
	Users       *users.Service
	Registry    *registry.Registry
	Locks       *locks.Engine
	RateLimits  *ratelimit.Manager
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router serving the REST and websocket surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.AuthManager == nil {
		return nil, errMissingAuthManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Locks == nil {
		return nil, errMissingLockEngine
	}
	if deps.RateLimits == nil {
		return nil, errMissingRateLimits
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.AuthManager,
		sessions: deps.Sessions,
		users:    deps.Users,
		registry: deps.Registry,
		locks:    deps.Locks,
		limits:   deps.RateLimits,
		logger:   logger,
	}

	router.GET("/", handler.handleServiceInfo)
	router.GET("/api/health", handler.handleHealth)
	router.POST("/auth/token", handler.handleIssueToken)
	router.POST("/auth/refresh", handler.handleRefreshToken)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/api/projects/:projectID")
	protected.Use(handler.authorizeRequest)
	protected.GET("/locks", handler.handleListLocks)
	protected.PUT("/locks/:componentID", handler.handleSetLock)
	protected.POST("/locks/bulk", handler.handleBulkLocks)
	protected.POST("/locks/check-conflicts", handler.handleCheckConflicts)
	protected.GET("/locks/audit", handler.handleLockAudit)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts", handler.handleReportConflict)
	protected.POST("/conflicts/:conflictID/resolve", handler.handleResolveConflict)

	return router, nil
}

type httpHandler struct {
	tokens   *auth.Manager
	sessions *auth.SessionManager
	users    *users.Service
	registry *registry.Registry
	locks    *locks.Engine
	limits   *ratelimit.Manager
	logger   *zap.Logger
}

func (h *httpHandler) handleServiceInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "plotweaver-collaboration-backend",
		"status":  "running",
		"version": "1.0.0",
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"connections": h.registry.ActiveConnections(),
		"locks":       h.locks.TotalLocks(),
		"conflicts":   h.locks.TotalConflicts(),
	})
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.users.Lookup(request.UserID)
	if err != nil {
		h.logger.Warn("token request for unknown subject",
			zap.String("user_id", request.UserID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, err := h.tokens.Issue(auth.Claims{
		UserID:      identity.UserID,
		Username:    identity.Username,
		Email:       identity.Email,
		Permissions: identity.PermissionList(),
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	h.users.Touch(identity.UserID)
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   int64(h.tokens.TTL().Seconds()),
		TokenType:   "Bearer",
	})
}

type refreshRequestPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleRefreshToken(c *gin.Context) {
	var request refreshRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	refreshed, err := h.tokens.Refresh(request.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: refreshed,
		ExpiresIn:   int64(h.tokens.TTL().Seconds()),
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleListLocks(c *gin.Context) {
	projectID := c.Param("projectID")
	c.JSON(http.StatusOK, gin.H{"locks": h.locks.Locks(projectID)})
}

func (h *httpHandler) handleSetLock(c *gin.Context) {
	projectID := c.Param("projectID")
	componentID := c.Param("componentID")
	userID := c.GetString(userIDContextKey)

	var request locks.ComponentLock
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.ComponentID = componentID

	lock, err := h.locks.SetLock(projectID, request, userID, "")
	switch {
	case errors.Is(err, locks.ErrLockConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, locks.ErrInvalidLock):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("failed to set lock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"lock": lock})
	}
}

type bulkRequestPayload struct {
	Operations []locks.BulkOperation `json:"operations"`
}

func (h *httpHandler) handleBulkLocks(c *gin.Context) {
	projectID := c.Param("projectID")
	userID := c.GetString(userIDContextKey)

	var request bulkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	results := h.locks.BulkApply(projectID, userID, request.Operations, "")
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type checkConflictsPayload struct {
	ComponentIDs []string `json:"componentIds"`
}

func (h *httpHandler) handleCheckConflicts(c *gin.Context) {
	projectID := c.Param("projectID")

	var request checkConflictsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.ComponentIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	c.JSON(http.StatusOK, h.locks.CheckConflicts(projectID, request.ComponentIDs))
}

func (h *httpHandler) handleLockAudit(c *gin.Context) {
	projectID := c.Param("projectID")
	c.JSON(http.StatusOK, gin.H{"audit": h.locks.Audit(projectID)})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	projectID := c.Param("projectID")
	c.JSON(http.StatusOK, gin.H{"conflicts": h.locks.Conflicts(projectID)})
}

func (h *httpHandler) handleReportConflict(c *gin.Context) {
	projectID := c.Param("projectID")
	userID := c.GetString(userIDContextKey)

	var request locks.Conflict
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ComponentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	request.ReportedBy = userID

	conflict := h.locks.ReportConflict(projectID, request, "")
	c.JSON(http.StatusCreated, gin.H{"conflict": conflict})
}

type resolveConflictPayload struct {
	Resolution locks.Resolution `json:"resolution"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	projectID := c.Param("projectID")
	conflictID := c.Param("conflictID")
	userID := c.GetString(userIDContextKey)

	var request resolveConflictPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.locks.ResolveConflict(projectID, conflictID, request.Resolution, userID, "")
	switch {
	case errors.Is(err, locks.ErrUnknownConflict):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("failed to resolve conflict", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}
