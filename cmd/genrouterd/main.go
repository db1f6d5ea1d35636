// Command genrouterd serves the generation routing engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mediaforge/genrouter"
	redisstore "github.com/mediaforge/genrouter/counter/redis"
	"github.com/mediaforge/genrouter/meter"
	"github.com/mediaforge/genrouter/moderation"
	"github.com/mediaforge/genrouter/provider/flux"
	"github.com/mediaforge/genrouter/provider/mock"
	"github.com/mediaforge/genrouter/provider/openai"
	"github.com/mediaforge/genrouter/storage/s3"
)

func main() {
	configPath := flag.String("config", "genrouter.yaml", "path to config file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *addr, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addr string, logger *slog.Logger) error {
	cfg, err := genrouter.LoadConfig(configPath)
	if err != nil {
		return err
	}

	clients, err := buildClients(cfg.Providers)
	if err != nil {
		return err
	}

	opts := []genrouter.Option{
		genrouter.WithMeter(meter.NewLogMeter(logger)),
		genrouter.WithModerator(moderation.NewKeywordFilter(
			moderation.WithKeywords(bannedKeywords()...),
		)),
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		opts = append(opts, genrouter.WithCounterStore(redisstore.New(client)))
		logger.Info("counter store", "backend", "redis", "addr", redisAddr)
	} else {
		logger.Info("counter store", "backend", "memory")
	}

	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		store, err := s3.New(context.Background(), s3.Config{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
			UseSSL:    os.Getenv("S3_USE_SSL") == "true",
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		})
		if err != nil {
			return err
		}
		opts = append(opts, genrouter.WithArtifactStore(store))
	}

	engine, err := genrouter.New(cfg, clients, opts...)
	if err != nil {
		return err
	}

	router := newRouter(engine)
	logger.Info("listening", "addr", addr)
	return router.Run(addr)
}

// buildClients constructs a provider adapter per descriptor based on
// its extra.adapter field.
func buildClients(descriptors []genrouter.Descriptor) ([]genrouter.Provider, error) {
	clients := make([]genrouter.Provider, 0, len(descriptors))
	for _, d := range descriptors {
		adapter := d.Extra["adapter"]
		if adapter == "" {
			adapter = d.ID
		}
		switch adapter {
		case "openai":
			clients = append(clients, openai.New(openai.WithName(d.ID)))
		case "flux":
			clients = append(clients, flux.New(flux.WithName(d.ID)))
		case "mock":
			clients = append(clients, mock.New(mock.WithName(d.ID)))
		default:
			return nil, fmt.Errorf("provider %s: unknown adapter %q", d.ID, adapter)
		}
	}
	return clients, nil
}

type generateRequest struct {
	Prompt      string            `json:"prompt"`
	Mode        string            `json:"mode"`
	Resolution  string            `json:"resolution"`
	AspectRatio string            `json:"aspect_ratio"`
	Count       int               `json:"count"`
	Params      map[string]string `json:"params"`
	UserID      string            `json:"user_id"`
	Provider    string            `json:"provider"`
	Strategy    string            `json:"strategy"`
}

func newRouter(engine *genrouter.Engine) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/v1/generations", func(c *gin.Context) {
		var body generateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req := genrouter.GenerationRequest{
			Prompt:      body.Prompt,
			Mode:        genrouter.Mode(body.Mode),
			Resolution:  body.Resolution,
			AspectRatio: body.AspectRatio,
			Count:       body.Count,
			Params:      body.Params,
			UserID:      body.UserID,
			Provider:    body.Provider,
			Strategy:    genrouter.Strategy(body.Strategy),
			APIKey:      c.GetHeader("X-Api-Key"),
		}
		result, err := engine.RouteAndExecute(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	router.GET("/v1/providers", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Registry().All())
	})

	router.GET("/v1/quota/:user", func(c *gin.Context) {
		status, err := engine.Admission().Status(c.Request.Context(), c.Param("user"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	router.GET("/admin/breakers", func(c *gin.Context) {
		records := make([]genrouter.HealthRecord, 0)
		for _, d := range engine.Registry().All() {
			rec, err := engine.Health().Snapshot(c.Request.Context(), d.ID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			records = append(records, rec)
		}
		c.JSON(http.StatusOK, records)
	})

	router.POST("/admin/breakers/:id/reset", func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := engine.Registry().Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		if err := engine.Health().Reset(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return router
}

// writeError maps engine errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var denied *genrouter.AdmissionDeniedError
	if errors.As(err, &denied) {
		if denied.RetryAfter > 0 {
			secs := int64(denied.RetryAfter / time.Second)
			c.Header("Retry-After", strconv.FormatInt(max64(secs, 1), 10))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":  denied.Error(),
			"reason": string(denied.Reason),
			"used":   denied.Used,
			"limit":  denied.Limit,
		})
		return
	}

	var confErr *genrouter.ConfigurationError
	switch {
	case errors.Is(err, genrouter.ErrPromptBlocked):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &confErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, genrouter.ErrNoEligibleProvider):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		var exhausted *genrouter.ExhaustedFallbackError
		if errors.As(err, &exhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": exhausted.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// bannedKeywords is the built-in prompt blocklist; deployments extend it
// with a remote source.
func bannedKeywords() []string {
	return []string{
		"csam",
		"child sexual",
		"non-consensual",
	}
}
