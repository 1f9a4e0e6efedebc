package dashboardapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"

	queryIncludeHistory = "includeHistory"
	queryLimit          = "limit"
	queryCursor         = "cursor"

	errorUnauthorized      = "unauthorized"
	errorInvalidPayload    = "invalid_payload"
	errorInvalidArgument   = "invalid_argument"
	errorInsufficientFunds = "insufficient_funds"
	errorNotFound          = "transaction_not_found"
	errorUnavailable       = "ledger_unavailable"
	errorInternal          = "internal_error"

	operationCredits = "get_credits"
	operationSpend   = "spend"
	operationRefund  = "refund"
)

type httpHandler struct {
	logger        *zap.Logger
	ledger        Ledger
	ledgerTimeout time.Duration
}

func newHTTPHandler(logger *zap.Logger, ledgerClient Ledger, ledgerTimeout time.Duration) *httpHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledgerTimeout <= 0 {
		ledgerTimeout = defaultLedgerTimeout
	}
	return &httpHandler{logger: logger, ledger: ledgerClient, ledgerTimeout: ledgerTimeout}
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	userID, ok := requireAuth(ctx)
	if !ok {
		return
	}
	includeHistory := false
	if raw := strings.TrimSpace(ctx.Query(queryIncludeHistory)); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "includeHistory must be a boolean"))
			return
		}
		includeHistory = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query(queryLimit)); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	cursor, err := ledger.ParseCursor(ctx.Query(queryCursor))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "cursor is invalid"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.ledgerTimeout)
	defer cancel()

	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondLedgerError(ctx, operationCredits, userID, err)
		return
	}
	response := creditsResponse{Success: true, Balance: balance.Int64()}
	if includeHistory {
		page, err := handler.ledger.History(requestCtx, userID, limit, cursor)
		if err != nil {
			handler.respondLedgerError(ctx, operationCredits, userID, err)
			return
		}
		history := make([]transactionPayload, 0, len(page.Transactions))
		for _, transaction := range page.Transactions {
			history = append(history, newTransactionPayload(transaction))
		}
		response.History = &history
		response.NextCursor = page.NextCursor.String()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := requireAuth(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "amount must be a positive integer"))
		return
	}
	reason := ledger.ReasonGenerationSpend
	if strings.TrimSpace(request.Reason) != "" {
		reason, err = ledger.ParseReason(request.Reason)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "reason is not recognized"))
			return
		}
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "metadata must be a JSON object"))
		return
	}
	idempotencyKey, err := ledger.OptionalIdempotencyKey(firstNonEmpty(request.IdempotencyKey, ctx.GetHeader(idempotencyKeyHeader)))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "idempotency key is invalid"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.ledgerTimeout)
	defer cancel()

	transaction, err := handler.ledger.Debit(requestCtx, userID, amount, reason, metadata, idempotencyKey)
	if err != nil {
		handler.respondLedgerError(ctx, operationSpend, userID, err)
		return
	}
	handler.respondWithTransaction(requestCtx, ctx, operationSpend, userID, transaction)
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	userID, ok := requireAuth(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	transactionID, err := ledger.NewTransactionID(request.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, "transactionId must be a transaction id"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.ledgerTimeout)
	defer cancel()

	transaction, err := handler.ledger.Refund(requestCtx, userID, transactionID)
	if err != nil {
		handler.respondLedgerError(ctx, operationRefund, userID, err)
		return
	}
	handler.respondWithTransaction(requestCtx, ctx, operationRefund, userID, transaction)
}

func (handler *httpHandler) respondWithTransaction(requestCtx context.Context, ctx *gin.Context, operation string, userID ledger.UserID, transaction ledger.Transaction) {
	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondLedgerError(ctx, operation, userID, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"balance":     balance.Int64(),
		"transaction": newTransactionPayload(transaction),
	})
}

// respondLedgerError maps ledger failures to HTTP responses. Unexpected failures are logged and
// answered with a generic message.
func (handler *httpHandler) respondLedgerError(ctx *gin.Context, operation string, userID ledger.UserID, err error) {
	var insufficient ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error":   errorInsufficientFunds,
			"details": "balance is too low for this operation",
			"balance": insufficient.Balance.Int64(),
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse(errorInsufficientFunds, "balance is too low for this operation"))
	case errors.Is(err, ledger.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse(errorNotFound, "transaction not found"))
	case errors.Is(err, ledger.ErrInvalidArgument):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidArgument, invalidArgumentDetails(err)))
	case errors.Is(err, ledger.ErrStorageUnavailable):
		handler.logger.Warn("ledger unavailable", zap.String("operation", operation), zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorUnavailable, "ledger is temporarily unavailable"))
	default:
		handler.logger.Error("ledger call failed", zap.String("operation", operation), zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorInternal, "unexpected failure"))
	}
}

func invalidArgumentDetails(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidHistoryLimit):
		return "limit is invalid"
	case errors.Is(err, ledger.ErrInvalidCursor):
		return "cursor is invalid"
	case errors.Is(err, ledger.ErrNotRefundable):
		return "only debits can be refunded"
	case errors.Is(err, ledger.ErrInvalidIdempotencyKey):
		return "idempotency key is invalid"
	default:
		return "request is invalid"
	}
}

// requireAuth resolves the verified caller. It answers 401 and returns false when the session
// middleware attached no claims.
func requireAuth(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, details string) gin.H {
	return gin.H{
		"error":   code,
		"details": details,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

type creditsResponse struct {
	Success    bool                  `json:"success"`
	Balance    int64                 `json:"balance"`
	History    *[]transactionPayload `json:"history,omitempty"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

type transactionPayload struct {
	ID             string          `json:"id"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason"`
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      string          `json:"createdAt"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		ID:             transaction.TransactionID().String(),
		Amount:         transaction.Amount().Int64(),
		Reason:         transaction.Reason().String(),
		Sequence:       transaction.Sequence(),
		IdempotencyKey: transaction.IdempotencyKey().String(),
		Metadata:       json.RawMessage(transaction.Metadata().String()),
		CreatedAt:      transaction.CreatedAt().Format(time.RFC3339Nano),
	}
}

type spendRequest struct {
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason"`
	Metadata       json.RawMessage `json:"metadata"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type refundRequest struct {
	TransactionID string `json:"transactionId"`
}
