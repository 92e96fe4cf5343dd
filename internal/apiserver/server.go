package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *rewards.Service, logger *zap.Logger) error {
	if service == nil {
		return fmt.Errorf("rewards service is required")
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return fmt.Errorf("zap init: %w", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rewards api listening", zap.String("addr", cfg.ListenAddr))
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
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/points", handler.handleBreakdown)
	api.GET("/shop/products", handler.handleShopProducts)
	api.POST("/shop/purchase", handler.handlePurchase)
	api.GET("/vouchers", handler.handleVouchers)
	api.POST("/vouchers/:id/use", handler.handleUseVoucher)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/products", handler.handleAdminListProducts)
	admin.POST("/products", handler.handleAdminCreateProduct)
	admin.PATCH("/products/:id", handler.handleAdminUpdateProduct)
	admin.DELETE("/products/:id", handler.handleAdminDeleteProduct)
	admin.POST("/sweep", handler.handleAdminSweep)
	admin.POST("/users/:id/seed", handler.handleAdminSeed)
	admin.POST("/users/:id/expire", handler.handleAdminExpire)
	admin.POST("/users/:id/reset-oldest", handler.handleAdminResetOldest)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *rewards.Service
	cfg     Config
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	for _, role := range claims.GetUserRoles() {
		if role == handler.cfg.AdminRole {
			ctx.Next()
			return
		}
	}
	ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	value, exists := ctx.Get(claimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}

func (handler *httpHandler) actingUser(ctx *gin.Context) (rewards.ActingUser, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return rewards.ActingUser{}, false
	}
	userID, err := rewards.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return rewards.ActingUser{}, false
	}
	return rewards.ActingUser{ID: userID, DisplayName: claims.GetUserDisplayName()}, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
