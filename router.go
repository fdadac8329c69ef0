package main

import (
	"context"
	"fmt"

	"auralis_expression/authorization"
	"auralis_expression/broadcast"
	"auralis_expression/config"
	"auralis_expression/controller"
	"auralis_expression/expression"
	"auralis_expression/gateway"
	"auralis_expression/live2d"
	"auralis_expression/logger"
	"auralis_expression/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// newImageStorage prefers the MinIO bucket and falls back to local disk.
// The second result is non-nil when images are served by this process.
func newImageStorage(ctx context.Context, cfg *config.Config) (storage.ImageStorage, *storage.LocalImageStorage, error) {
	if cfg.MinioConfigured() {
		bucket, err := storage.NewMinioImageStorage(ctx, storage.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init image storage: %w", err)
		}
		return bucket, nil, nil
	}
	local, err := storage.NewLocalImageStorage(cfg.ImageDir)
	if err != nil {
		return nil, nil, err
	}
	return local, local, nil
}

func newRouter(
	cfg *config.Config,
	log *logger.Logger,
	db *gorm.DB,
	store *expression.Store,
	gw *gateway.Gateway,
	hub *broadcast.Hub,
	tools *controller.Server,
	images storage.ImageStorage,
	localImages *storage.LocalImageStorage,
	rdb *goredis.Client,
) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	auth, err := authorization.RegisterRoutes(r, authorization.Options{
		Secret:         cfg.JWTSecret,
		Username:       cfg.AdminUsername,
		PasswordHash:   cfg.AdminPassword,
		CaptchaEnabled: cfg.CaptchaEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("register auth routes: %w", err)
	}
	if auth == nil {
		log.Warn("JWT_SECRET not set; admin routes will reject every request")
	}
	guard := auth.Guard()

	models, err := live2d.NewAssetStorage(cfg.Live2DDir)
	if err != nil {
		return nil, err
	}
	modelModule, err := live2d.RegisterRoutes(r, guard, db, models, log)
	if err != nil {
		return nil, fmt.Errorf("register model routes: %w", err)
	}

	expression.RegisterRoutes(r, guard, store, images, modelModule, log)
	if localImages != nil {
		localImages.RegisterRoutes(r)
	}
	gateway.RegisterRoutes(r, guard, gw)
	broadcast.RegisterRoutes(r, hub)

	if cfg.MCPTransport == config.TransportHTTP {
		controller.RegisterRoutes(r, guard, tools)
	}
	controller.RegisterPresenceRoutes(r, guard, rdb, log)

	return r, nil
}
