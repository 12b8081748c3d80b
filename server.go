package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/middlewares"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/notify"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/mmdatafocus/estate_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// api holds the workflow service once dependencies are connected. Until then every
// app endpoint answers 503.
type api struct {
	svc        atomic.Pointer[workflow.Service]
	reconciler atomic.Pointer[workflow.Reconciler]
	logger     *logrus.Logger
}

func (a *api) service() *workflow.Service {
	return a.svc.Load()
}

func (a *api) ready() bool {
	return a.svc.Load() != nil
}

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewRateLimiter counts requests per caller in redis. A disconnected redis lets requests through.
func NewRateLimiter(client func() *redis.Client, prefix string, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client()
	if client == nil {
		c.Next()
		return
	}
	key := rl.prefix + c.ClientIP()
	if actor, ok := utils.GetActorFromContext(c.Request.Context()); ok {
		key = rl.prefix + "actor:" + actor.Id
	}

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count == 1 {
		if err := client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// correlationMiddleware generates a correlation id once per request and attaches it to the context.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func newRouter(a *api, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !a.ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Optional global rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		window := time.Duration(int64FromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		r.Use(NewRateLimiter(config.GetRedisDB, "rl:", int64FromEnv("RATE_LIMIT_MAX_REQUESTS", 600), window).RateLimitMiddleware)
	}
	// Code issuance sends email; always limited.
	codeLimiter := NewRateLimiter(config.GetRedisDB, "rl:code:", int64FromEnv("CODE_RATE_LIMIT_MAX_REQUESTS", 5), 10*time.Minute)

	authed := r.Group("/", middlewares.RequireActor())
	authed.POST("/distributions", a.createDistributionHandler())
	authed.GET("/distributions/:id", a.getDistributionHandler())
	authed.GET("/distributions/:id/progress", a.getProgressHandler())
	authed.PATCH("/distributions/:id/notes", a.updateNotesHandler())
	authed.GET("/me/agreements", a.myAgreementsHandler())
	authed.POST("/agreements/:id/verification-code", codeLimiter.RateLimitMiddleware, a.issueCodeHandler())
	authed.POST("/agreements/:id/verify", a.verifyCodeHandler())
	authed.POST("/agreements/:id/sign", a.signHandler())
	authed.POST("/agreements/:id/reject", a.rejectHandler())

	admin := r.Group("/", middlewares.RequireAdministrator())
	admin.POST("/distributions/:id/admin-sign", a.adminSignHandler())

	// Ops tooling (admin only).
	ops := r.Group("/internal/ops", middlewares.RequireAdministrator())
	ops.POST("/distributions/:id/anchor", a.anchorHandler())
	ops.POST("/reconcile", a.reconcileHandler())
	ops.GET("/reconcile/:correlation_id", a.reconcileReportHandler())
	ops.POST("/notifications/replay", a.notificationReplayHandler())
	ops.GET("/distributions/export", a.exportProgressHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	if err := utils.CheckJwtSecret(); err != nil {
		logger.WithFields(logrus.Fields{"field": "auth"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	a := &api{logger: logger}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(a, logger),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run blocking DDL; run it as a separate job when SKIP_MIGRATIONS=true.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	ledgerClient, err := ledger.New(config.LedgerDriver())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "ledger"}).Fatal("ledger client: " + err.Error())
	}
	sender, err := notify.New(config.NotificationTransport())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "notify"}).Fatal("notification sender: " + err.Error())
	}

	svc := workflow.NewService(db, ledgerClient, sender, middlewares.NewLoaderDirectory(models.NewGormDirectory(db)), logger)
	svc.Locker = workflow.NewRedisLocker(config.GetRedisLock())
	if store, err := utils.NewGCSStore(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "storage"}).Warn("object storage disabled; signature images and document links unavailable: " + err.Error())
	} else {
		defer store.Close()
		svc.Store = store
		svc.Documents = workflow.StoredDocuments{Store: store}
	}
	reconciler := workflow.NewReconciler(svc)
	a.reconciler.Store(reconciler)
	a.svc.Store(svc)

	// Background workers: outbox delivery (after commit) and periodic ledger reconciliation.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if config.NotificationDispatchEnabled() {
		go workflow.NewNotificationDispatcher(db, sender, logger).Run(workerCtx)
	}
	go reconciler.RunLoop(workerCtx, config.ReconcileInterval())

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if closer, ok := ledgerClient.(interface{ Close() }); ok {
		closer.Close()
	}
	config.ClosePubSubClient()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"status":         c.Writer.Status(),
				"method":         c.Request.Method,
				"path":           c.FullPath(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func int64FromEnv(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
