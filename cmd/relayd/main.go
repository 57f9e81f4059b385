package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/config"
	identityRepo "github.com/Dima4663737373/private-messanger-sub001/internal/repository/identity"
	messageRepo "github.com/Dima4663737373/private-messanger-sub001/internal/repository/message"
	roomRepo "github.com/Dima4663737373/private-messanger-sub001/internal/repository/room"
	watermarkRepo "github.com/Dima4663737373/private-messanger-sub001/internal/repository/watermark"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/ledger"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/ratelimit"
	redisSvc "github.com/Dima4663737373/private-messanger-sub001/internal/service/redis"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/relay"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/session"
	"github.com/Dima4663737373/private-messanger-sub001/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if err := log.Init(cfg.LogLevel, cfg.Dev); err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		log.Fatal("mongo connect failed", zap.Error(err))
	}
	db := mongoClient.Database(cfg.MongoDatabase)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	kv := redisSvc.NewRedis(rdb)
	if err := kv.Ping(ctx); err != nil {
		log.Fatal("redis connect failed", zap.Error(err))
	}

	messages := messageRepo.NewRepo(db)
	identities := identityRepo.NewRepo(db)
	rooms := roomRepo.NewRepo(db)
	watermarks := watermarkRepo.NewRepo(db)

	indexCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := messages.EnsureIndexes(indexCtx); err != nil {
		log.Fatal("message indexes failed", zap.Error(err))
	}
	if err := identities.EnsureIndexes(indexCtx); err != nil {
		log.Fatal("identity indexes failed", zap.Error(err))
	}

	sessions := session.NewStore(kv, cfg.SessionTTL)

	guard := ratelimit.NewGuard(cfg.Rate)
	guard.StartSweeper(ctx, time.Minute)

	registry := relay.NewRegistry()
	server := relay.NewServer(cfg, registry, sessions, guard, messages, identities, rooms)

	if cfg.Ledger.Endpoint != "" {
		api := ledger.NewClient(cfg.Ledger.Endpoint, cfg.Ledger.RequestTimeout)
		reconciler := ledger.NewReconciler(cfg.Ledger, api, messages, identities, watermarks, server)
		go reconciler.Run(ctx)
	} else {
		log.Info("ledger reconciliation disabled, no endpoint configured")
	}

	if err := server.Run(ctx); err != nil {
		log.Fatal("relay server failed", zap.Error(err))
	}

	disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDisconnect()
	_ = mongoClient.Disconnect(disconnectCtx)
	_ = rdb.Close()
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
