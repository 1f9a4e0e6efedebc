package dashboardapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/voiceledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/voiceledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const claimsContextKey = "auth_claims"

// Ledger is the credit surface the dashboard needs. Both *ledger.Service and *grpcserver.Client
// satisfy it.
type Ledger interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Credits, error)
	History(ctx context.Context, userID ledger.UserID, limit int, cursor ledger.Cursor) (ledger.HistoryPage, error)
	Debit(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reason ledger.Reason, metadata ledger.MetadataJSON, idempotencyKey ledger.IdempotencyKey) (ledger.Transaction, error)
	Refund(ctx context.Context, userID ledger.UserID, transactionID ledger.TransactionID) (ledger.Transaction, error)
}

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOptions := []grpc.DialOption{}
	if cfg.LedgerInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(cfg.LedgerAddress, dialOptions...)
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer conn.Close()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := newHTTPHandler(logger, grpcserver.NewClient(conn), cfg.LedgerTimeout)
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dashboardapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	credits := router.Group("/credits")
	credits.Use(requireSession(validator))
	credits.GET("", handler.handleCredits)
	credits.POST("/spend", handler.handleSpend)
	credits.POST("/refunds", handler.handleRefund)

	return router
}

// requireSession validates the session cookie and stores the claims under claimsContextKey.
// Rejected requests get the same JSON error envelope as every other endpoint.
func requireSession(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := validator.ValidateRequest(ctx.Request)
		if err != nil {
			details := "session is invalid"
			if errors.Is(err, sessionvalidator.ErrMissingCookie) || errors.Is(err, sessionvalidator.ErrMissingToken) {
				details = "missing session"
			}
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, details))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
