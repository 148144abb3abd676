package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"relaybot/audit"
	appConfig "relaybot/config"
	"relaybot/controller"
	"relaybot/database"
	"relaybot/discord"
	"relaybot/handlers"
	"relaybot/sentry"
	"relaybot/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warnf("Error loading .env file: %v", err)
	}
	appConfig.NewConfig()
	setupLogging(appConfig.Config.Options.LogLevel)

	sentry.Init(appConfig.Config.Options.SentryDSN)
	defer sentry.Flush()

	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		sentry.ReportError(err)
		sentry.Flush()
		log.Fatal(err)
	}
}

func setupLogging(level string) {
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		FieldsOrder:     []string{"module", "function"},
		TimestampFormat: time.RFC3339,
	})

	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func run(ctx context.Context) error {
	cfg := appConfig.Config

	var version atomic.Uint64
	providers, err := controller.Build(ctx, version.Add(1), cfg)
	if err != nil {
		return err
	}
	registry := controller.NewRegistry(providers)

	if path := cfg.Options.PlaylistConfigPath; path != "" {
		err := appConfig.Watch(ctx, path, func(next *appConfig.ConfigStruct) {
			rebuilt, err := controller.Build(ctx, version.Add(1), next)
			if err != nil {
				log.Errorf("Keeping previous providers, rebuild failed: %v", err)
				sentry.ReportError(err)
				return
			}
			previous := registry.Swap(rebuilt)
			log.Infof("Providers swapped from version %d to %d", previous.Version, rebuilt.Version)
		})
		if err != nil {
			log.Warnf("Playlist config won't be reloaded: %v", err)
		}
	}

	session, err := discord.NewSession()
	if err != nil {
		return err
	}
	if err := discord.RegisterCommands(session, cfg.Discord.AppID); err != nil {
		log.Errorf("Error registering commands: %v", err)
		sentry.ReportError(err)
	}

	var store audit.Store
	db, err := database.New(cfg.Options.DBPath)
	if err != nil {
		log.Errorf("Audit rows won't be stored: %v", err)
	} else {
		defer db.Close()
		store = db
	}

	manager := handlers.NewManager(
		cfg.Discord.AppID,
		cfg.Discord.PublicKey,
		controller.NewController(registry),
		discord.NewRelay(session, cfg.Options.WebhookCacheTTL),
		session,
		audit.NewRecorder(os.Stdout, store),
		cfg.Options.CommandTimeout,
	)

	router := gin.New()
	router.Use(gin.Recovery(), sentry.GetSentryGin())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"providers": registry.Current().Len(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/discord/interactions", func(c *gin.Context) {
		signature := c.GetHeader("X-Signature-Ed25519")
		timestamp := c.GetHeader("X-Signature-Timestamp")

		bodyBytes, err := c.GetRawData()
		if err != nil {
			log.Errorf("Error reading body: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
			return
		}

		if !manager.VerifyDiscordRequest(signature, timestamp, bodyBytes) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid request signature"})
			return
		}

		interaction, err := manager.ParseInteraction(bodyBytes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse interaction"})
			return
		}

		c.JSON(http.StatusOK, manager.HandleInteraction(interaction))
	})

	port := cfg.Options.Port
	if port == "" {
		port = "8080"
	}
	server := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Error shutting down server: %v", err)
		}
	}()

	log.Infof("Starting server on :%s", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
