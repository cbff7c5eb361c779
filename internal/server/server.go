package server

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"peerstudy-backend/internal/auth"
	"peerstudy-backend/internal/cache"
	"peerstudy-backend/internal/config"
	"peerstudy-backend/internal/handler"
	"peerstudy-backend/internal/lifecycle"
	"peerstudy-backend/internal/metrics"
	"peerstudy-backend/internal/presence"
	"peerstudy-backend/internal/registry"
	"peerstudy-backend/internal/relay"
)

// Server Fiber 서버 래퍼
type Server struct {
	app               *fiber.App
	cfg               *config.Config
	db                *gorm.DB
	registry          *registry.Registry
	relay             *relay.Relay
	runner            *lifecycle.Runner
	promRegistry      *prometheus.Registry
	authHandler       *handler.AuthHandler
	userHandler       *handler.UserHandler
	healthHandler     *handler.HealthHandler
	sessionHandler    *handler.SessionHandler
	messageHandler    *handler.MessageHandler
	whiteboardHandler *handler.WhiteboardHandler
	keyHandler        *handler.KeyHandler
	peerHandler       *handler.PeerHandler
	sessionWSHandler  *handler.SessionWSHandler
	jwtManager        *auth.JWTManager

	sweepCancel context.CancelFunc
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config, db *gorm.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "PeerStudy Relay",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		BodyLimit:             4 * 1024 * 1024, // 4MB, 암호문 기준으로 충분
		DisableStartupMessage: false,
	})

	// Auth 초기화
	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	googleAuth := auth.NewGoogleAuthenticator(cfg.Auth.GoogleClientID)

	// Redis 연결 (presence + 최근 이벤트 캐시가 공유)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	hostName, _ := os.Hostname()
	tracker := presence.NewTrackerWithClient(rdb, cfg.Presence.Window, hostName)
	recentCache := cache.NewWithClient(rdb)

	// 메트릭
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promRegistry)

	// 릴레이 + 레지스트리
	store := relay.NewGormStore(db)
	messageRelay := relay.New(store, collector)
	reg := registry.New(db)
	reg.OnClose = func(sessionID int64) {
		messageRelay.CloseSession(sessionID)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recentCache.DropSession(ctx, sessionID)
	}

	runner := lifecycle.NewRunner()

	authHandler := handler.NewAuthHandler(db, jwtManager, googleAuth, cfg.Auth.SecureCookie)
	userHandler := handler.NewUserHandler(db)
	healthHandler := handler.NewHealthHandler(db, rdb)
	sessionHandler := handler.NewSessionHandler(db, reg, tracker)
	messageHandler := handler.NewMessageHandler(messageRelay, reg, recentCache)
	whiteboardHandler := handler.NewWhiteboardHandler(messageRelay, reg)
	keyHandler := handler.NewKeyHandler(db)
	peerHandler := handler.NewPeerHandler(db)
	sessionWSHandler := handler.NewSessionWSHandler(
		reg, messageRelay, tracker, collector, runner, recentCache,
		cfg.Relay.PublishRate, cfg.Relay.PublishBurst,
		cfg.Presence.HeartbeatInterval, cfg.Relay.LeaveTimeout,
		cfg.WebSocket.WriteTimeout,
	)

	return &Server{
		app:               app,
		cfg:               cfg,
		db:                db,
		registry:          reg,
		relay:             messageRelay,
		runner:            runner,
		promRegistry:      promRegistry,
		authHandler:       authHandler,
		userHandler:       userHandler,
		healthHandler:     healthHandler,
		sessionHandler:    sessionHandler,
		messageHandler:    messageHandler,
		whiteboardHandler: whiteboardHandler,
		keyHandler:        keyHandler,
		peerHandler:       peerHandler,
		sessionWSHandler:  sessionWSHandler,
		jwtManager:        jwtManager,
	}
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Prometheus 메트릭
	s.app.Get("/metrics", adaptor.HTTPHandler(
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}),
	))

	// Rate Limiter 설정 (인증 엔드포인트용 - Brute Force 방지)
	authLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	// Auth 라우트 그룹
	authGroup := s.app.Group("/auth")
	authGroup.Post("/google", authLimiter, s.authHandler.GoogleLogin)
	authGroup.Post("/refresh", authLimiter, s.authHandler.RefreshToken)
	authGroup.Post("/logout", auth.AuthMiddleware(s.jwtManager), s.authHandler.Logout)
	authGroup.Get("/me", auth.AuthMiddleware(s.jwtManager), s.authHandler.GetMe)
	authGroup.Put("/me/cohort", auth.AuthMiddleware(s.jwtManager), s.authHandler.UpdateCohort)

	// User 라우트 그룹 (인증 필요)
	userGroup := s.app.Group("/api/users", auth.AuthMiddleware(s.jwtManager))
	userGroup.Get("/search", s.userHandler.SearchUsers)
	userGroup.Get("/:userId/keys", s.keyHandler.GetBundle)

	// Key 라우트 그룹 (인증 필요)
	keyGroup := s.app.Group("/api/keys", auth.AuthMiddleware(s.jwtManager))
	keyGroup.Post("/", s.keyHandler.RegisterBundle)
	keyGroup.Get("/prekeys/count", s.keyHandler.PrekeyCount)

	// Peer 라우트 그룹 (인증 필요)
	peerGroup := s.app.Group("/api/peers", auth.AuthMiddleware(s.jwtManager))
	peerGroup.Put("/availability", s.peerHandler.SetAvailability)
	peerGroup.Get("/", s.peerHandler.FindPeers)
	peerGroup.Get("/blocks", s.peerHandler.ListBlocked)
	peerGroup.Post("/blocks", s.peerHandler.Block)
	peerGroup.Delete("/blocks/:userId", s.peerHandler.Unblock)
	peerGroup.Post("/reports", s.peerHandler.Report)

	// Session 라우트 그룹 (인증 필요)
	sessionGroup := s.app.Group("/api/sessions", auth.AuthMiddleware(s.jwtManager))
	sessionGroup.Post("/", s.sessionHandler.Create)
	sessionGroup.Get("/", s.sessionHandler.List)
	// 초대 코드 미리보기는 비로그인 접근 허용 (로그인 시 참가 가능 여부 포함)
	s.app.Get("/api/sessions/code/:code", auth.OptionalAuthMiddleware(s.jwtManager), s.sessionHandler.GetByCode)
	sessionGroup.Get("/:id", s.sessionHandler.Get)
	sessionGroup.Post("/:id/join", s.sessionHandler.Join)
	sessionGroup.Post("/:id/leave", s.sessionHandler.Leave)
	sessionGroup.Post("/:id/close", s.sessionHandler.Close)
	sessionGroup.Get("/:id/participants", s.sessionHandler.Participants)
	sessionGroup.Get("/:id/participants/:userId/presence", s.sessionHandler.ParticipantPresence)
	sessionGroup.Post("/:id/heartbeat", s.sessionHandler.Heartbeat)

	// Message 라우트 (세션 하위)
	sessionGroup.Post("/:id/messages", s.messageHandler.Send)
	sessionGroup.Get("/:id/messages", s.messageHandler.Backlog)
	sessionGroup.Get("/:id/messages/recent", s.messageHandler.Recent)

	// Whiteboard 라우트 (세션 하위)
	sessionGroup.Get("/:id/whiteboard", s.whiteboardHandler.GetState)

	// WebSocket 업그레이드 체크 미들웨어
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket 세션 채널 엔드포인트
	s.app.Get("/ws/sessions/:id", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		// 쿠키 또는 쿼리에서 JWT 토큰 추출 (네이티브 클라이언트는 쿼리 사용)
		accessToken := c.Cookies("access_token")
		if accessToken == "" {
			accessToken = c.Query("token")
		}
		if accessToken == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(accessToken)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		sessionID, err := c.ParamsInt("id")
		if err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		c.Locals("sessionId", int64(sessionID))
		c.Locals("userId", claims.UserID)
		c.Locals("sinceSeq", int64(c.QueryInt("since", 0)))

		return c.Next()
	}, websocket.New(s.sessionWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// startStaleSweeper 방치된 세션을 주기적으로 정리
func (s *Server) startStaleSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.registry.CloseStale(ctx, s.cfg.Relay.StaleSessionTTL); err != nil {
					log.Printf("[Server] Stale session sweep failed: %v", err)
				}
			}
		}
	}()
}

// Start 서버 시작 (Graceful Shutdown 지원)
func (s *Server) Start() error {
	s.startStaleSweeper()

	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if s.sweepCancel != nil {
			s.sweepCancel()
		}
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
		// 큐에 남은 leave 작업이 끝날 때까지 대기
		s.runner.Shutdown(s.cfg.Relay.LeaveTimeout)
	}()

	log.Printf("🚀 PeerStudy Relay starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/sessions/:id", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료
func (s *Server) Shutdown() error {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	s.runner.Shutdown(s.cfg.Relay.LeaveTimeout)
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
