package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"aichat/internal/ai"
	"aichat/internal/config"
	"aichat/internal/handler"
	"aichat/internal/pkg/cache"
	"aichat/internal/pkg/mongodb"
	"aichat/internal/repository"
	"aichat/internal/server/middleware"
	"aichat/internal/service"
	"aichat/internal/stream"
)

// Server HTTP 服务器
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	mongo   *mongodb.Client
	redis   *cache.RedisCache
	chatSvc *service.ChatService
	cancels *stream.CancelManager
}

// New 创建服务器实例
func New(cfg *config.Config) (*Server, error) {
	// 设置 Gin 模式
	switch cfg.Server.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建 Gin 引擎
	engine := gin.New()

	// 初始化 MongoDB (可选，缺失时退化为内存存储)
	var mongoClient *mongodb.Client
	var store service.ConversationStore
	if cfg.Mongo.URI != "" {
		client, err := mongodb.New(&cfg.Mongo)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to MongoDB, falling back to in-memory store")
		} else {
			mongoClient = client
			log.Info().Str("database", cfg.Mongo.Database).Msg("connected to MongoDB")

			// 创建索引
			if err := mongodb.EnsureIndexes(mongoClient.Database()); err != nil {
				log.Warn().Err(err).Msg("failed to ensure indexes")
			}
			store = repository.NewConversationRepo(mongoClient.Database())
		}
	}
	if store == nil {
		log.Warn().Msg("MongoDB not configured, conversations are held in memory only")
		store = repository.NewMemoryStore()
	}

	// 初始化 Redis (可选)
	var redisCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without it")
		} else {
			redisCache = rc
			log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
		}
	}

	// 初始化 AI 客户端（没有 API key 时进入 mock 模式）
	aiClient, err := ai.NewClient(context.Background(), &cfg.AI)
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", cfg.AI.Provider).Str("model", cfg.AI.Model).Msg("initialized AI client")

	// 流式协调组件
	registry := stream.NewRegistry()
	broker := stream.NewBroker(cfg.Stream.SubscriberBuffer, cfg.Stream.RetainAfterFinal)
	cancels := stream.NewCancelManager(registry, redisCache)
	chatSvc := service.NewChatService(store, aiClient, registry, broker, cancels, redisCache)

	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		mongo:   mongoClient,
		redis:   redisCache,
		chatSvc: chatSvc,
		cancels: cancels,
	}

	// 设置路由
	srv.setupRoutes()

	return srv, nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 全局中间件
	s.engine.Use(middleware.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.Logger())
	s.engine.Use(middleware.CORS())

	// 健康检查
	healthHandler := handler.NewHealthHandler()
	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/ready", healthHandler.Ready)

	// Swagger 文档
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// API v1
	v1 := s.engine.Group("/api/v1")
	{
		chatHandler := handler.NewChatHandler(s.chatSvc)

		v1.GET("/chats", chatHandler.List)
		v1.POST("/chats", chatHandler.Create)
		v1.GET("/chats/:id/messages", chatHandler.Messages)
		v1.POST("/chats/:id/messages", chatHandler.Send)
		v1.GET("/chats/:id/stream", chatHandler.Attach)
		v1.POST("/chats/:id/cancel", chatHandler.Cancel)
		v1.DELETE("/chats/:id", chatHandler.Delete)
	}
}

// Run 启动服务器
func (s *Server) Run(ctx context.Context, addr string) error {
	// 跨实例取消监听（未配置 Redis 时立即返回）
	go s.cancels.Listen(ctx)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	// 启动服务器
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待关闭信号或错误
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server...")

		// 关闭连接
		if s.mongo != nil {
			if err := s.mongo.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to close MongoDB connection")
			}
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close Redis connection")
			}
		}

		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Engine 获取 Gin 引擎 (用于测试)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
