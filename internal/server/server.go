// Package server exposes messaging sessions over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agrolink/internal/blob"
	"agrolink/internal/config"
	"agrolink/internal/messaging"
	"agrolink/internal/models"
	"agrolink/internal/observability"
	"agrolink/internal/presence"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// fiberprometheus registers its collectors globally, so it is built once per process.
var (
	promOnce       sync.Once
	promMiddleware *fiberprometheus.FiberPrometheus
)

func metricsMiddleware() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promMiddleware = fiberprometheus.New("agrolink")
	})
	return promMiddleware
}

// Backend is what the gateway needs: everything a session uses plus profile
// lookup and attachment upload.
type Backend interface {
	messaging.Backend
	GetProfile(ctx context.Context, id uint) (*models.User, error)
	GetProfiles(ctx context.Context, ids []uint) ([]models.User, error)
	Upload(ctx context.Context, name string, data []byte) (*blob.Object, error)
	OnlineUsers(ctx context.Context) ([]uint, error)
}

// Deps are the server's collaborators. DB and Redis are only used for
// readiness checks and may be nil.
type Deps struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Backend  Backend
	Notifier messaging.Notifier
	// FilesDir is served at /files when set.
	FilesDir string
}

// Server holds all dependencies and provides handlers.
type Server struct {
	config   *config.Config
	db       *gorm.DB
	redis    *redis.Client
	backend  Backend
	notifier messaging.Notifier
	filesDir string
	sessions *SessionRegistry

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc

	appOnce sync.Once
	app     *fiber.App
}

// NewServer creates a server. Sessions are created lazily per authenticated user.
func NewServer(cfg *config.Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		db:          deps.DB,
		redis:       deps.Redis,
		backend:     deps.Backend,
		notifier:    deps.Notifier,
		filesDir:    deps.FilesDir,
		shutdownCtx: ctx,
		shutdownFn:  cancel,
	}
	s.sessions = NewSessionRegistry(s.newSession, cfg.SessionIdleTimeout)
	return s
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) sessionConfig() messaging.SessionConfig {
	return messaging.SessionConfig{
		PageSize:                 s.config.HistoryPageSize,
		ReuseDirectConversations: s.config.ReuseDirectConversations,
		Presence: presence.TrackerConfig{
			PollInterval:      s.config.PresencePollInterval,
			HeartbeatInterval: s.config.PresenceHeartbeatInterval(),
			PushInterval:      s.config.PresencePushRate,
		},
	}
}

// newSession builds and starts a session for a user with a profile row.
func (s *Server) newSession(ctx context.Context, userID uint) (*messaging.Session, error) {
	user, err := s.backend.GetProfile(ctx, userID)
	if err != nil {
		if models.HasCode(err, models.CodeNotFound) {
			return nil, models.NewUnauthorizedError("Unknown user")
		}
		return nil, err
	}

	sess := messaging.NewSession(messaging.StaticIdentity{User: *user}, s.backend, s.notifier, s.sessionConfig())
	sess.Start(observability.WithUserID(s.shutdownCtx, userID))
	return sess, nil
}

// App builds the fiber app on first use.
func (s *Server) App() *fiber.App {
	s.appOnce.Do(func() {
		app := fiber.New(fiber.Config{
			AppName:   "agrolink",
			BodyLimit: (s.config.BlobMaxUploadMB + 1) << 20,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				var fe *fiber.Error
				if errors.As(err, &fe) {
					return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
				}
				observability.Logger.ErrorContext(c.UserContext(), "unhandled error", "error", err)
				return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
			},
		})
		s.SetupMiddleware(app)
		s.SetupRoutes(app)
		s.app = app
	})
	return s.app
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(ContextMiddleware())
	app.Use(TracingMiddleware())
	app.Use(metricsMiddleware().Middleware)
	app.Use(StructuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.ReadinessCheck)
	app.Get("/health/live", s.LivenessCheck)
	metricsMiddleware().RegisterAt(app, "/metrics")

	if s.filesDir != "" {
		app.Static("/files", s.filesDir, fiber.Static{ByteRange: true})
	}

	api := app.Group("/api", s.AuthRequired())

	conversations := api.Group("/conversations", s.WithSession())
	conversations.Get("/", s.GetConversations)
	conversations.Post("/", s.CreateConversation)
	// Specific /current routes before /:id
	conversations.Put("/current", s.SetCurrentConversation)
	conversations.Get("/current/messages", s.GetCurrentMessages)
	conversations.Post("/:id/read", s.MarkConversationRead)

	messages := api.Group("/messages", s.WithSession())
	messages.Post("/", s.sendLimiter(), s.SendMessage)
	messages.Post("/:clientId/retry", s.RetryMessage)
	messages.Delete("/:clientId", s.DiscardMessage)

	api.Post("/uploads", s.UploadAttachment)

	presenceRoutes := api.Group("/presence", s.WithSession())
	presenceRoutes.Get("/:userId", s.GetPresence)
	presenceRoutes.Put("/", s.SetVisibility)

	app.Get("/ws", s.WebSocketAuthRequired(), s.WebSocketHandler())
}

// sendLimiter caps message sends per user.
func (s *Server) sendLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        30,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("send:%d", currentUserID(c))
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{
				Error: "Too many messages, please slow down.",
			})
		},
	})
}

// LivenessCheck handles liveness probe requests.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "up", "time": time.Now()})
}

// ReadinessCheck reports database and Redis reachability.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "unavailable"
	if s.db != nil {
		dbStatus = "healthy"
		if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "unhealthy"
		}
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" || redisStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	body := fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"sessions": s.sessions.Len(),
		"time":     time.Now(),
	}
	// Informational only; a failed read does not change readiness.
	if online, err := s.backend.OnlineUsers(ctx); err == nil {
		body["online_users"] = len(online)
	}
	return c.Status(status).JSON(body)
}

// Start listens on the configured port and blocks.
func (s *Server) Start() error {
	app := s.App()
	observability.Logger.Info("server starting", "port", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown stops accepting connections and closes every session. Closing a
// session announces its owner offline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()

	var err error
	if s.app != nil {
		if serr := s.app.ShutdownWithContext(ctx); serr != nil {
			observability.Logger.Error("error shutting down HTTP server", "error", serr)
			err = serr
		}
	}

	s.sessions.Close()
	observability.Logger.Info("server shutdown complete")
	return err
}
