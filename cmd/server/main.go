package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spsoc/batchmailer/internal/api"
	"github.com/spsoc/batchmailer/internal/campaign"
	"github.com/spsoc/batchmailer/internal/config"
	"github.com/spsoc/batchmailer/internal/csvlist"
	"github.com/spsoc/batchmailer/internal/engine"
	"github.com/spsoc/batchmailer/internal/mailer"
	"github.com/spsoc/batchmailer/internal/templates"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("BatchMailer server starting (cmd/server/main.go)")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())

	// Connect Redis - session state and the per-session send lock live here
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("Redis connection failed (%s): %v", cfg.Redis.Addr, err)
	}
	pingCancel()
	log.Printf("Redis connected: %s", cfg.Redis.Addr)

	// Initialize on-disk stores
	csvStore, err := csvlist.NewStore(cfg.Storage.CSVDir)
	if err != nil {
		log.Fatalf("Failed to initialize CSV store: %v", err)
	}
	tplStore, err := templates.NewStore(cfg.Storage.TemplateDir)
	if err != nil {
		log.Fatalf("Failed to initialize template store: %v", err)
	}
	logStore, err := engine.NewLogStore(cfg.Storage.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize log store: %v", err)
	}
	log.Printf("Storage ready: csv=%s templates=%s logs=%s",
		cfg.Storage.CSVDir, cfg.Storage.TemplateDir, cfg.Storage.LogDir)

	// Pick the mail transport
	var transport mailer.Mailer
	if cfg.SES.Enabled && cfg.SES.AccessKey != "" && cfg.SES.SecretKey != "" {
		sesMailer, err := mailer.NewSESMailer(ctx, cfg.SES)
		if err != nil {
			log.Fatalf("Failed to initialize SES mailer: %v", err)
		}
		transport = sesMailer
		log.Printf("SES mail transport enabled (region: %s)", cfg.SES.Region)
	} else {
		transport = mailer.NewLogMailer()
		log.Println("SES not configured - messages will be logged, not sent")
	}

	org := templates.Org{
		Name:    cfg.Org.Name,
		Address: cfg.Org.Address,
		Phone:   cfg.Org.Phone,
		Email:   cfg.Org.Email,
		Web:     cfg.Org.Web,
		LogoURL: cfg.Org.LogoURL,
	}
	eng := engine.New(transport, logStore, org, cfg.Sending.ErrorsTo, cfg.Sending.Delay())
	log.Printf("Send engine ready (delay: %s, default batch size: %d)",
		cfg.Sending.Delay(), cfg.Sending.DefaultBatchSize)

	// Wire the API server
	states := campaign.NewRedisStore(redisClient, 0)
	handlers := api.NewHandlers(cfg, states, csvStore, tplStore, logStore, eng, redisClient)
	server := api.NewServer(handlers)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	redisClient.Close()

	log.Println("Server stopped")
}
