package subsidy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openlearn/subsidyledger/internal/ledger"
	"github.com/openlearn/subsidyledger/internal/pagination"
	"github.com/openlearn/subsidyledger/internal/pricing"
	"github.com/openlearn/subsidyledger/internal/validation"
)

// Handler provides HTTP endpoints for subsidy and transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new subsidy handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up subsidy and transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sub := r.Group("/subsidies")
	sub.POST("", h.Provision)
	sub.GET("", h.List)

	withUUID := sub.Group("/:uuid", validation.UUIDParamMiddleware())
	withUUID.GET("", h.Get)
	withUUID.POST("/retire", h.Retire)
	withUUID.POST("/deposit", h.Deposit)
	withUUID.POST("/redeem", h.Redeem)
	withUUID.GET("/can-redeem", h.CanRedeem)
	withUUID.GET("/balance", h.Balance)
	withUUID.GET("/transactions", h.ListTransactions)

	tx := r.Group("/transactions")
	tx.GET("/:id", h.GetTransaction)
	tx.POST("/:id/reverse", h.Reverse)
	tx.GET("/:id/reversal", h.GetReversal)
}

// Provision handles POST /v1/subsidies
func (h *Handler) Provision(c *gin.Context) {
	var req struct {
		Title                  string    `json:"title"`
		EnterpriseCustomerUUID string    `json:"enterprise_customer_uuid"`
		StartingBalance        int64     `json:"starting_balance"`
		ActiveDatetime         time.Time `json:"active_datetime"`
		ExpirationDatetime     time.Time `json:"expiration_datetime"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.ValidUUID("enterprise_customer_uuid", req.EnterpriseCustomerUUID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	sub, err := h.service.Provision(c.Request.Context(), ProvisionRequest{
		Title:                  req.Title,
		EnterpriseCustomerUUID: req.EnterpriseCustomerUUID,
		StartingBalance:        req.StartingBalance,
		ActiveDatetime:         req.ActiveDatetime,
		ExpirationDatetime:     req.ExpirationDatetime,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subsidy": sub})
}

// List handles GET /v1/subsidies
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	subs, err := h.service.List(c.Request.Context(), c.Query("enterprise_customer_uuid"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subsidies": subs,
		"count":     len(subs),
	})
}

// Get handles GET /v1/subsidies/:uuid
func (h *Handler) Get(c *gin.Context) {
	sub, err := h.service.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subsidy": sub,
		"state":   sub.State(time.Now().UTC()),
	})
}

// Retire handles POST /v1/subsidies/:uuid/retire
func (h *Handler) Retire(c *gin.Context) {
	sub, err := h.service.Retire(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subsidy": sub})
}

// Deposit handles POST /v1/subsidies/:uuid/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req struct {
		IdempotencyKey string         `json:"idempotency_key"`
		Quantity       int64          `json:"quantity"`
		ReferenceID    string         `json:"reference_id"`
		Metadata       map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	tx, created, err := h.service.Deposit(c.Request.Context(), DepositRequest{
		SubsidyUUID:    c.Param("uuid"),
		IdempotencyKey: req.IdempotencyKey,
		Quantity:       req.Quantity,
		ReferenceID:    req.ReferenceID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"transaction": tx, "created": created})
}

// Redeem handles POST /v1/subsidies/:uuid/redeem
func (h *Handler) Redeem(c *gin.Context) {
	var req struct {
		LMSUserID               string         `json:"lms_user_id"`
		ContentKey              string         `json:"content_key"`
		IdempotencyKey          string         `json:"idempotency_key"`
		SubsidyAccessPolicyUUID string         `json:"subsidy_access_policy_uuid"`
		Metadata                map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if errs := validation.Validate(
		validation.Required("lms_user_id", req.LMSUserID),
		validation.Required("content_key", req.ContentKey),
		validation.ValidContentKey("content_key", req.ContentKey),
		validation.ValidUUID("subsidy_access_policy_uuid", req.SubsidyAccessPolicyUUID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	tx, created, err := h.service.Redeem(c.Request.Context(), RedeemRequest{
		SubsidyUUID:             c.Param("uuid"),
		LMSUserID:               req.LMSUserID,
		ContentKey:              req.ContentKey,
		IdempotencyKey:          req.IdempotencyKey,
		SubsidyAccessPolicyUUID: req.SubsidyAccessPolicyUUID,
		Metadata:                req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"transaction": tx, "created": created})
}

// CanRedeem handles GET /v1/subsidies/:uuid/can-redeem
func (h *Handler) CanRedeem(c *gin.Context) {
	lmsUserID := c.Query("lms_user_id")
	contentKey := c.Query("content_key")
	if errs := validation.Validate(
		validation.Required("lms_user_id", lmsUserID),
		validation.Required("content_key", contentKey),
		validation.ValidContentKey("content_key", contentKey),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	res, err := h.service.CanRedeem(c.Request.Context(), c.Param("uuid"), lmsUserID, contentKey)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// Balance handles GET /v1/subsidies/:uuid/balance
func (h *Handler) Balance(c *gin.Context) {
	var filter *ledger.BalanceFilter
	if c.Query("lms_user_id") != "" || c.Query("content_key") != "" {
		filter = &ledger.BalanceFilter{
			LMSUserID:  c.Query("lms_user_id"),
			ContentKey: c.Query("content_key"),
		}
	}

	balance, err := h.service.Balance(c.Request.Context(), c.Param("uuid"), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
		"unit":    ledger.UnitUSDCents,
	})
}

// ListTransactions handles GET /v1/subsidies/:uuid/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "invalid cursor")
		return
	}

	txs, next, err := h.service.ListTransactions(c.Request.Context(), c.Param("uuid"), cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"next_cursor":  next,
		"has_more":     next != "",
	})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Reverse handles POST /v1/transactions/:id/reverse
func (h *Handler) Reverse(c *gin.Context) {
	var req struct {
		IdempotencyKey string         `json:"idempotency_key"`
		Quantity       *int64         `json:"quantity"`
		Metadata       map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if errs := validation.Validate(
		validation.Required("idempotency_key", req.IdempotencyKey),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	rev, created, err := h.service.ReverseTransaction(c.Request.Context(),
		c.Param("id"), req.IdempotencyKey, req.Quantity, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"reversal": rev, "created": created})
}

// GetReversal handles GET /v1/transactions/:id/reversal
func (h *Handler) GetReversal(c *gin.Context) {
	rev, err := h.service.GetReversal(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reversal": rev})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "bad_request",
		"message": msg,
	})
}

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var conflict *ledger.ConflictError

	switch {
	case errors.Is(err, ErrSubsidyNotFound),
		errors.Is(err, ledger.ErrLedgerNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound),
		errors.Is(err, ledger.ErrReversalNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":                   "idempotency_conflict",
			"message":                 err.Error(),
			"existing_transaction_id": conflict.ExistingID,
		})
	case errors.Is(err, ledger.ErrReferenceMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "reference_mismatch",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_balance",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSubsidyNotActive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "subsidy_not_active",
			"message": err.Error(),
		})
	case errors.Is(err, pricing.ErrPriceUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "price_unavailable",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidProvision),
		errors.Is(err, ErrInvalidDeposit),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrInvalidReversal),
		errors.Is(err, ledger.ErrInvalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
