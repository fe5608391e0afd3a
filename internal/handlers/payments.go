package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/Abhishekmac/creditFlow-14sep/internal/rate"
	"github.com/Abhishekmac/creditFlow-14sep/internal/service"
	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
	"github.com/Abhishekmac/creditFlow-14sep/internal/validation"
	"github.com/Abhishekmac/creditFlow-14sep/libs/auth"
	"github.com/Abhishekmac/creditFlow-14sep/libs/kafka"
)

type PaymentService interface {
	CreatePayment(ctx context.Context, input service.CreatePaymentInput) (*service.CreatePaymentResult, error)
	ResolveFromGateway(ctx context.Context, input service.GatewayResolutionInput) (*storage.ResolveResult, error)
	GetPayment(ctx context.Context, paymentID, userID uuid.UUID) (*storage.Payment, error)
	ListPayments(ctx context.Context, userID uuid.UUID, filter storage.PaymentFilter) ([]storage.Payment, string, error)
	GetReceipt(ctx context.Context, paymentID, userID uuid.UUID) (*service.Receipt, error)
	ListCards(ctx context.Context, userID uuid.UUID) ([]storage.Card, error)
	ListStatements(ctx context.Context, cardID, userID uuid.UUID) ([]storage.Statement, error)
	MaxAmount() decimal.Decimal
}

type Handler struct {
	Service PaymentService
	Limiter rate.Limiter
	Logger  *slog.Logger
}

type createPaymentRequest struct {
	CardID          string `json:"card_id"`
	Amount          string `json:"amount"`
	Method          string `json:"method"`
	ClientPaymentID string `json:"client_payment_id"`
}

type createPaymentResponse struct {
	PaymentID          string `json:"payment_id"`
	Amount             string `json:"amount"`
	Method             string `json:"method"`
	Status             string `json:"status"`
	OutstandingBalance string `json:"outstanding_balance"`
	CreatedAt          string `json:"created_at"`
}

type paymentItem struct {
	PaymentID     string `json:"payment_id"`
	CardID        string `json:"card_id,omitempty"`
	Amount        string `json:"amount"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	ExternalRef   string `json:"external_ref,omitempty"`
	CreatedAt     string `json:"created_at"`
	ResolvedAt    string `json:"resolved_at,omitempty"`
}

type listPaymentsResponse struct {
	Payments   []paymentItem `json:"payments"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type applicationItem struct {
	StatementID string `json:"statement_id"`
	Amount      string `json:"amount"`
}

type receiptResponse struct {
	Payment      paymentItem       `json:"payment"`
	Applications []applicationItem `json:"applications"`
	Applied      string            `json:"applied"`
	Discarded    string            `json:"discarded"`
}

type cardItem struct {
	CardID      string `json:"card_id"`
	CardNumber  string `json:"card_number"`
	CardType    string `json:"card_type"`
	Status      string `json:"status"`
	CreditLimit string `json:"credit_limit"`
	Outstanding string `json:"outstanding"`
}

type statementItem struct {
	StatementID string `json:"statement_id"`
	Period      string `json:"period"`
	DueDate     string `json:"due_date"`
	Balance     string `json:"balance"`
	MinDue      string `json:"min_due"`
	IsPaid      bool   `json:"is_paid"`
}

type gatewayWebhookRequest struct {
	EventID       string `json:"event_id"`
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	ExternalRef   string `json:"external_ref"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func New(svc PaymentService, limiter rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Limiter: limiter, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/payments", h.CreatePayment)
	group.GET("/payments", h.ListPayments)
	group.GET("/payments/:id", h.GetPayment)
	group.GET("/payments/:id/receipt", h.GetReceipt)
	group.GET("/cards", h.ListCards)
	group.GET("/cards/:id/statements", h.ListStatements)

	// The gateway signs nothing; delivery is trusted at the network layer.
	r.POST("/webhooks/gateway", h.GatewayWebhook)
}

func (h *Handler) CreatePayment(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), userID.String(), time.Now())
		if err != nil {
			// Limiter outages must not block payments.
			h.Logger.Warn("rate limiter unavailable", "error", err)
		} else if !allowed {
			seconds := int(retryAfter / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many payment attempts", nil)
			return
		}
	}

	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	errs := validation.ValidatePaymentRequest(req.CardID, req.Amount, req.Method, h.Service.MaxAmount())
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	amount, _ := decimal.NewFromString(strings.TrimSpace(req.Amount))

	var cardID *uuid.UUID
	if trimmed := strings.TrimSpace(req.CardID); trimmed != "" {
		parsed, _ := uuid.Parse(trimmed)
		cardID = &parsed
	}

	idempotencyKey := strings.TrimSpace(req.ClientPaymentID)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		idempotencyKey = headerKey
	}

	result, err := h.Service.CreatePayment(c.Request.Context(), service.CreatePaymentInput{
		UserID:         userID,
		CardID:         cardID,
		Amount:         amount,
		Method:         validation.NormalizeMethod(req.Method),
		IdempotencyKey: idempotencyKey,
		CorrelationID:  requestIDFromContext(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCardNotFound):
			writeError(c, http.StatusNotFound, "CARD_NOT_FOUND", "card not found", nil)
		case errors.Is(err, service.ErrCardInactive):
			writeError(c, http.StatusBadRequest, "CARD_INACTIVE", "card is not active", nil)
		case errors.Is(err, service.ErrExceedsOutstanding):
			writeError(c, http.StatusBadRequest, "EXCEEDS_OUTSTANDING", "amount exceeds outstanding balance", nil)
		default:
			h.Logger.Error("create payment failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, createPaymentResponse{
		PaymentID:          result.Payment.ID.String(),
		Amount:             result.Payment.Amount.String(),
		Method:             result.Payment.Method,
		Status:             result.Payment.Status,
		OutstandingBalance: result.Outstanding.String(),
		CreatedAt:          result.Payment.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListPayments(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	filter := storage.PaymentFilter{
		Status: strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Method: strings.ToLower(strings.TrimSpace(c.Query("method"))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		filter.Limit = n
	}

	payments, nextCursor, err := h.Service.ListPayments(c.Request.Context(), userID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil)
			return
		}
		h.Logger.Error("list payments failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]paymentItem, 0, len(payments))
	for _, payment := range payments {
		items = append(items, paymentToItem(payment))
	}
	c.JSON(http.StatusOK, listPaymentsResponse{Payments: items, NextCursor: nextCursor})
}

func (h *Handler) GetPayment(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	paymentID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payment_id", nil)
		return
	}

	payment, err := h.Service.GetPayment(c.Request.Context(), paymentID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
			return
		}
		h.Logger.Error("get payment failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(http.StatusOK, paymentToItem(*payment))
}

func (h *Handler) GetReceipt(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	paymentID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payment_id", nil)
		return
	}

	receipt, err := h.Service.GetReceipt(c.Request.Context(), paymentID, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
			return
		}
		h.Logger.Error("get receipt failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	apps := make([]applicationItem, 0, len(receipt.Applications))
	for _, app := range receipt.Applications {
		apps = append(apps, applicationItem{
			StatementID: app.StatementID.String(),
			Amount:      app.Amount.String(),
		})
	}
	c.JSON(http.StatusOK, receiptResponse{
		Payment:      paymentToItem(*receipt.Payment),
		Applications: apps,
		Applied:      receipt.Applied.String(),
		Discarded:    receipt.Discarded.String(),
	})
}

func (h *Handler) ListCards(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	cards, err := h.Service.ListCards(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("list cards failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]cardItem, 0, len(cards))
	for _, card := range cards {
		items = append(items, cardItem{
			CardID:      card.ID.String(),
			CardNumber:  card.CardNumber,
			CardType:    card.CardType,
			Status:      card.Status,
			CreditLimit: card.CreditLimit.String(),
			Outstanding: card.Outstanding.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"cards": items})
}

func (h *Handler) ListStatements(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	cardID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid card_id", nil)
		return
	}

	statements, err := h.Service.ListStatements(c.Request.Context(), cardID, userID)
	if err != nil {
		if errors.Is(err, service.ErrCardNotFound) {
			writeError(c, http.StatusNotFound, "CARD_NOT_FOUND", "card not found", nil)
			return
		}
		h.Logger.Error("list statements failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]statementItem, 0, len(statements))
	for _, st := range statements {
		items = append(items, statementItem{
			StatementID: st.ID.String(),
			Period:      st.Period,
			DueDate:     st.DueDate.UTC().Format("2006-01-02"),
			Balance:     st.Balance.String(),
			MinDue:      st.MinDue.String(),
			IsPaid:      st.IsPaid,
		})
	}
	c.JSON(http.StatusOK, gin.H{"statements": items})
}

// GatewayWebhook applies a settlement reported by the payment gateway. A 5xx
// tells the gateway to retry; duplicates are acknowledged with 200.
func (h *Handler) GatewayWebhook(c *gin.Context) {
	var req gatewayWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	errs := validation.ValidateWebhookEvent(req.PaymentID, req.Status)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	paymentID, _ := uuid.Parse(strings.TrimSpace(req.PaymentID))

	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		// Gateways that omit event_id still get exactly-once application per
		// (payment, status) delivery.
		eventID = kafka.DeterministicEventID("gateway.webhook", paymentID.String(), req.Status)
	}

	result, err := h.Service.ResolveFromGateway(c.Request.Context(), service.GatewayResolutionInput{
		PaymentID:     paymentID,
		Status:        strings.ToLower(strings.TrimSpace(req.Status)),
		FailureReason: strings.TrimSpace(req.FailureReason),
		ExternalRef:   strings.TrimSpace(req.ExternalRef),
		EventID:       eventID,
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
			return
		}
		if errors.Is(err, storage.ErrInvalidOutcome) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid status", nil)
			return
		}
		h.Logger.Error("gateway webhook failed", "payment_id", paymentID.String(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	// A replayed event id commits nothing and loads no payment row; ack with
	// the id the gateway sent so it stops retrying.
	resp := gin.H{
		"payment_id": paymentID.String(),
		"duplicate":  result.AlreadyResolved,
	}
	if result.Payment != nil {
		resp["status"] = result.Payment.Status
	}
	c.JSON(http.StatusOK, resp)
}

func paymentToItem(payment storage.Payment) paymentItem {
	item := paymentItem{
		PaymentID:     payment.ID.String(),
		Amount:        payment.Amount.String(),
		Method:        payment.Method,
		Status:        payment.Status,
		FailureReason: payment.FailureReason,
		ExternalRef:   payment.ExternalRef,
		CreatedAt:     payment.CreatedAt.UTC().Format(time.RFC3339),
	}
	if payment.CardID != nil {
		item.CardID = payment.CardID.String()
	}
	if payment.ResolvedAt != nil {
		item.ResolvedAt = payment.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return item
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}
