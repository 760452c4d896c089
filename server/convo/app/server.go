package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "opsdesk/server/common/auth"
	"opsdesk/server/common/infra/cache"
	"opsdesk/server/common/infra/db"
	"opsdesk/server/common/infra/mq"
	"opsdesk/server/common/infra/object"
	"opsdesk/server/convo/api"
	"opsdesk/server/convo/repository"
	"opsdesk/server/convo/service"
)

type Server struct {
	HTTPServer *http.Server
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Hub        *service.Hub
	Publisher  *service.AMQPPublisher
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := repository.NewConversationRepository(pool)

	hub := service.NewHub()
	var redisClient *redis.Client
	if cfg.UseRedis {
		redisClient, err = cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		hub.UseRedis(redisClient)
		if err := hub.StartRedisSubscriber(context.Background()); err != nil {
			return nil, fmt.Errorf("start room fanout: %w", err)
		}
	}

	minioClient, err := object.Connect(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.StorageBucket, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize object storage: %w", err)
	}
	uploads := service.NewUploadBroker(minioClient, cfg.StorageBucket, cfg.UploadExpiry)

	var (
		mqConn    *amqp.Connection
		publisher *service.AMQPPublisher
		events    service.EventPublisher
	)
	if cfg.UseMQ {
		mqConn, err = mq.NewConnection(cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp: %w", err)
		}
		publisher, err = service.NewAMQPPublisher(mqConn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		events = publisher
	}

	messages := service.NewMessageService(store, hub, events, cfg.StoragePublicURL, cfg.AttachmentPlaceholder)
	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)

	h := api.NewHandler(messages, uploads, hub, authSvc, cfg.OperatorEmail, cfg.OperatorPasswordHash)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		HTTPServer: httpServer,
		Pool:       pool,
		Redis:      redisClient,
		MQConn:     mqConn,
		Hub:        hub,
		Publisher:  publisher,
	}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Hub.StopRedisSubscriber()
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
