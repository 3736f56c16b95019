package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/brickprice/internal/auth"
	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/metrics"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/MarcoPoloResearchLab/brickprice/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	claimsContextKey = "brickprice_session_claims"
	sessionIDHeader  = "X-Session-ID"
	maxUserAgentLen  = 512
	maxSessionIDLen  = 190
	rateLimitWindow  = time.Minute
	unmatchedRoute   = "unmatched"
)

var (
	errMissingStore         = errors.New("ledger store dependency required")
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingValidator     = errors.New("session validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates bearer tokens on incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AccountSyncer keeps the voter account projection current with token claims.
type AccountSyncer interface {
	SyncFromClaims(ctx context.Context, claims auth.SessionClaims) (users.Account, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Store              ledger.Store
	Accounts           AccountSyncer
	Validator          SessionValidator
	Pricing            pricing.Config
	Metrics            *metrics.Recorder
	Gatherer           prometheus.Gatherer
	Logger             *zap.Logger
	Clock              func() time.Time
	RateLimitPerMinute int
	AllowedOrigins     []string
}

// NewHTTPHandler builds the gin router serving vote ingestion and brick reads.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger, deps.Metrics))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:     deps.Store,
		accounts:  deps.Accounts,
		validator: deps.Validator,
		pricing:   deps.Pricing,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       clock,
		rateLimit: deps.RateLimitPerMinute,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	public := router.Group("/")
	public.Use(handler.authenticateOptional)
	public.GET("/bricks", handler.handleListBricks)
	public.GET("/bricks/:brick_id", handler.handleGetBrick)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/vote_intents", handler.handleSubmitVote)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", sessionIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func requestLogger(logger *zap.Logger, recorder *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		elapsed := time.Since(started)
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		recorder.ObserveRequest(route, c.Request.Method, strconv.Itoa(status), elapsed)

		level := zapcore.DebugLevel
		if status >= http.StatusInternalServerError {
			level = zapcore.ErrorLevel
		}
		if entry := logger.Check(level, "http request"); entry != nil {
			entry.Write(
				zap.String("method", c.Request.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("latency", elapsed),
			)
		}
	}
}

type httpHandler struct {
	store     ledger.Store
	accounts  AccountSyncer
	validator SessionValidator
	pricing   pricing.Config
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
	rateLimit int
}

type voteIntentRequest struct {
	BrickID  string `json:"brick_id"`
	VoteType string `json:"vote_type"`
}

type voteIntentResponse struct {
	Status   string `json:"status"`
	IntentID uint64 `json:"intent_id"`
}

type sentimentPayload struct {
	PUnder     float64 `json:"p_under"`
	PFair      float64 `json:"p_fair"`
	POver      float64 `json:"p_over"`
	Confidence float64 `json:"confidence"`
}

type brickPayload struct {
	BrickID         string            `json:"brick_id"`
	LivePrice       string            `json:"live_price"`
	FairLower       string            `json:"fair_lower"`
	FairUpper       string            `json:"fair_upper"`
	FreezeMode      bool              `json:"freeze_mode"`
	CurrentCycleID  string            `json:"current_cycle_id"`
	LastPriceUpdate *time.Time        `json:"last_price_update"`
	LastEventID     uint64            `json:"last_event_id"`
	Sentiment       *sentimentPayload `json:"sentiment,omitempty"`
}

type brickListPayload struct {
	Bricks []brickPayload `json:"bricks"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSubmitVote(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	voterID, err := users.VoterID(claims)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request voteIntentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	brickID := strings.TrimSpace(request.BrickID)
	fieldErrors := map[string]string{}
	if brickID == "" {
		fieldErrors["brick_id"] = "required"
	}
	voteType, err := pricing.ParseVoteType(request.VoteType)
	if err != nil {
		fieldErrors["vote_type"] = "must be one of UNDER, FAIR, OVER"
	}
	if len(fieldErrors) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "fields": fieldErrors})
		return
	}

	ctx := c.Request.Context()
	now := h.now().UTC()
	if h.rateLimit > 0 {
		recent, err := h.store.CountIntentsSince(ctx, voterID, now.Add(-rateLimitWindow))
		if err != nil {
			h.logger.Error("failed to count recent intents", zap.String("user_id", voterID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "intent_failed"})
			return
		}
		if recent >= int64(h.rateLimit) {
			h.logger.Info("vote intent rate limited", zap.String("user_id", voterID), zap.Int64("recent", recent))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
	}

	if _, err := h.accounts.SyncFromClaims(ctx, claims); err != nil {
		h.logger.Error("failed to sync voter account", zap.String("user_id", voterID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intent_failed"})
		return
	}

	intent := &ledger.VoteIntent{
		UserID:    voterID,
		BrickID:   brickID,
		VoteType:  string(voteType),
		IPHash:    hashClientIP(c.ClientIP()),
		UserAgent: truncate(c.Request.UserAgent(), maxUserAgentLen),
		SessionID: truncate(strings.TrimSpace(c.GetHeader(sessionIDHeader)), maxSessionIDLen),
		Status:    ledger.IntentPending,
		CreatedAt: now,
	}
	if err := h.store.CreateIntent(ctx, intent); err != nil {
		h.logger.Error("failed to store vote intent", zap.String("user_id", voterID), zap.String("brick_id", brickID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intent_failed"})
		return
	}
	h.metrics.IntentAccepted()

	c.JSON(http.StatusCreated, voteIntentResponse{Status: "ACCEPTED", IntentID: intent.ID})
}

func (h *httpHandler) handleListBricks(c *gin.Context) {
	ctx := c.Request.Context()
	states, err := h.store.ListBrickStates(ctx)
	if err != nil {
		h.logger.Error("failed to list brick states", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	response := brickListPayload{Bricks: make([]brickPayload, 0, len(states))}
	for _, state := range states {
		payload, err := h.brickView(ctx, c, state)
		if err != nil {
			h.logger.Error("failed to build brick view", zap.String("brick_id", state.BrickID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
			return
		}
		response.Bricks = append(response.Bricks, payload)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetBrick(c *gin.Context) {
	ctx := c.Request.Context()
	brickID := strings.TrimSpace(c.Param("brick_id"))
	state, err := h.store.BrickState(ctx, brickID)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "brick_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load brick state", zap.String("brick_id", brickID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	payload, err := h.brickView(ctx, c, state)
	if err != nil {
		h.logger.Error("failed to build brick view", zap.String("brick_id", brickID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// brickView renders a brick; sentiment is only revealed to callers who already voted on it.
func (h *httpHandler) brickView(ctx context.Context, c *gin.Context, state ledger.BrickPriceState) (brickPayload, error) {
	fair := pricing.FairRange(h.pricing, state.LivePrice)
	payload := brickPayload{
		BrickID:         state.BrickID,
		LivePrice:       state.LivePrice.StringFixed(2),
		FairLower:       fair.Lower.StringFixed(2),
		FairUpper:       fair.Upper.StringFixed(2),
		FreezeMode:      state.FreezeMode,
		CurrentCycleID:  state.CurrentCycleID,
		LastPriceUpdate: state.LastPriceUpdate,
		LastEventID:     state.LastEventID,
	}

	claims, ok := sessionClaims(c)
	if !ok {
		return payload, nil
	}
	voterID, err := users.VoterID(claims)
	if err != nil {
		return payload, nil
	}
	voted, err := h.store.HasVoted(ctx, voterID, state.BrickID)
	if err != nil {
		return brickPayload{}, err
	}
	if voted {
		payload.Sentiment = &sentimentPayload{
			PUnder:     state.PUnder,
			PFair:      state.PFair,
			POver:      state.POver,
			Confidence: state.Confidence,
		}
	}
	return payload, nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// authenticateOptional attaches claims when a bearer token is presented; a presented but invalid token is refused.
func (h *httpHandler) authenticateOptional(c *gin.Context) {
	if strings.TrimSpace(c.GetHeader("Authorization")) == "" {
		c.Next()
		return
	}
	h.authorizeRequest(c)
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func hashClientIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// truncate cuts value to at most limit bytes without splitting a rune.
func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
