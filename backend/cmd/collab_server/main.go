package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"ottowrite/backend/config"
	"ottowrite/backend/internal/authtoken"
	"ottowrite/backend/internal/cache"
	"ottowrite/backend/internal/collab"
	"ottowrite/backend/internal/httpapi/handlers"
	"ottowrite/backend/internal/httpapi/middleware"
	"ottowrite/backend/internal/store"
	"ottowrite/backend/internal/ws"
)

// 通过 -ldflags "-X main.buildVersion=..." 注入
var (
	buildVersion = "dev"
	buildCommit  = "local"
)

func main() {
	cfg, err := config.Load(config.New())
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config loaded: port=%d redis=%v kafka=%v", cfg.Running.Port, cfg.Redis.Addrs, cfg.Kafka.Brokers)

	rdb := newRedis(cfg)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN, store.MySQLOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := store.Migrate(gormDB); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	// 快照走 database/sql，和 gorm 共用一个连接池
	db, err := gormDB.DB()
	if err != nil {
		log.Fatalf("get sql db: %v", err)
	}
	defer db.Close()

	signer, err := authtoken.NewSigner(cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(gormDB)

	// 没配 broker 时不发事件
	var events collab.EventDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		// === 初始化 Kafka Producer ===
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaDispatcher := collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
			},
		)
		// 在 producer.Close 之前排空队列
		defer kafkaDispatcher.Close()
		events = kafkaDispatcher
	}

	svc := collab.NewInMemoryService(snapshotStore, documentStore, events, collab.ServiceOptions{
		RingCap: cfg.Collab.RingCap,
	})
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Collab.MaxSubmits), ws.ManagerOptions{
		AllowedOrigins: cfg.Cors.AllowOrigins,
		PresenceTTL:    cfg.Collab.PresenceTTL,
		SubmitTimeout:  cfg.Collab.SubmitTimeout,
		SendBuffer:     cfg.Collab.SendBuffer,
	})

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Cors.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	group := r.Group("/collab")
	group.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "version": buildVersion, "commit": buildCommit})
	})
	// 从 Authorization 或 ?token= 取 token，本地验签后写入 userId/username
	authed := group.Group("", middleware.AuthMiddleware(signer))
	authed.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(svc).Register(authed)
	handlers.NewPresenceHandler(presenceCache, cfg.Collab.PresenceTTL).Register(authed)

	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		log.Printf("server stopped: %v", err)
	}
}

// 生产环境是 Redis 集群；本地开发可以关掉 cluster 连单节点
func newRedis(cfg *config.Config) redis.UniversalClient {
	if cfg.Redis.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs[:min(1, len(cfg.Redis.Addrs))],
		Password: cfg.Redis.Password,
	})
}
