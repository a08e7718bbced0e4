package router

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds background work owned by the router (rate limiter sweeps).
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// 120 requests per minute per IP on the HTTP API; the stream is exempt.
	apiLimiter := middleware.NewRateLimiter(ctx, 120, time.Minute)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		apiLimiter.Middleware(),
		middleware.RequireStudentJWT(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/exams/:exam_id/resume", handlers.Session.CheckResume)
		studentAPI.POST("/exams/:exam_id/resume", handlers.Session.ResolveResume)
		studentAPI.GET("/exams/:exam_id/session", handlers.Session.GetSession)
		studentAPI.POST("/exams/:exam_id/submit", handlers.Session.Submit)
		studentAPI.POST("/exams/:exam_id/abandon", handlers.Session.Abandon)
	}

	// ─── 2. WebSocket Group (Student JWT via ?token=) ──────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentJWT(authService))
	{
		ws.GET("/student/exams/:exam_id/stream", handlers.WS.ExamWebSocketStream)
	}

	// ─── 3. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService))
	{
		proctorAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
	}

	return router
}
