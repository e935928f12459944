package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sarpel/privrelay/internal/api"
	"github.com/sarpel/privrelay/internal/config"
	"github.com/sarpel/privrelay/internal/push"
	"github.com/sarpel/privrelay/internal/relay"
	"github.com/sarpel/privrelay/internal/storage"
)

// retentionInterval controls how often stale pending_messages rows and old
// used one_time_prekeys rows are swept. See runRetentionSweep.
const retentionInterval = 1 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := storage.NewPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := storage.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	var minioClient *storage.MinIO
	if cfg.MinIOEndpoint != "" {
		minioClient, err = storage.NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			log.Printf("Warning: Failed to connect to MinIO: %v (large envelope spill disabled)", err)
			minioClient = nil
		}
	}

	apnsClient, err := storage.NewAPNs(storage.APNsConfig{
		KeyPath:    cfg.APNsKeyPath,
		KeyID:      cfg.APNsKeyID,
		TeamID:     cfg.APNsTeamID,
		BundleID:   cfg.APNsBundleID,
		Production: cfg.APNsProduction,
	})
	if err != nil {
		log.Fatalf("Failed to initialize APNs client: %v", err)
	}

	pushService := push.NewService(cfg, db, apnsClient)
	pushHandler := push.NewHandler(cfg, db, pushService)

	registry := relay.NewRegistry()
	envelopeStore := relay.NewStore(db, minioClient)
	relayHandler := relay.NewHandler(cfg, registry, envelopeStore, pushService)

	router := api.NewRouter(cfg, db, redisClient, relayHandler, pushHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runRetentionSweep(sweepCtx, db)

	go func() {
		log.Printf("privrelay server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runRetentionSweep periodically deletes pending_messages rows older than 30
// days (an offline recipient who never reconnects in that window is treated
// as gone) and used one_time_prekeys rows older than 7 days (kept briefly
// past consumption only for debugging a short-lived delivery problem).
func runRetentionSweep(ctx context.Context, db *storage.Postgres) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			tag, err := db.Pool().Exec(sweepCtx,
				`DELETE FROM pending_messages WHERE timestamp < NOW() - INTERVAL '30 days'`)
			if err != nil {
				log.Printf("retention sweep: pending_messages cleanup failed: %v", err)
			} else if n := tag.RowsAffected(); n > 0 {
				log.Printf("retention sweep: purged %d stale pending_messages rows", n)
			}

			tag, err = db.Pool().Exec(sweepCtx,
				`DELETE FROM one_time_prekeys WHERE used AND created_at < NOW() - INTERVAL '7 days'`)
			if err != nil {
				log.Printf("retention sweep: one_time_prekeys cleanup failed: %v", err)
			} else if n := tag.RowsAffected(); n > 0 {
				log.Printf("retention sweep: purged %d used one_time_prekeys rows", n)
			}
			cancel()
		}
	}
}
