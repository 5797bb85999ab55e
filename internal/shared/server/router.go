package server

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"joblens-backend/internal/analyses"
	"joblens-backend/internal/input"
	"joblens-backend/internal/ledger"
	"joblens-backend/internal/llm"
	"joblens-backend/internal/llm/gemini"
	"joblens-backend/internal/shared/config"
	"joblens-backend/internal/shared/server/middleware"
	"joblens-backend/internal/shared/server/respond"
	"joblens-backend/internal/shared/storage/db"
	"joblens-backend/internal/shared/storage/object"
	localstore "joblens-backend/internal/shared/storage/object/local"
	s3store "joblens-backend/internal/shared/storage/object/s3"
)

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(cfg config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitRule{Rate: 1, Burst: 10}, middleware.NewRateLimiter(nil)),
	)

	// Dependencies
	store := buildLedgerStore(cfg)
	generator := buildGenerator(cfg)
	archive := buildArchive(cfg)

	ledgerSvc := ledger.NewService(store, generator, cfg.DailyTokenLimit)
	acquirer := input.NewAcquirer(cfg.ReaderProxyURL, cfg.FetchTimeout)
	analysisSvc := analyses.NewService(acquirer, ledgerSvc, archive)
	analysisHandler := analyses.NewHandler(analysisSvc, ledgerSvc)

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	analysisHandler.RegisterRoutes(api)
	if cfg.Env == "dev" {
		dev := api.Group("/dev")
		analysisHandler.RegisterDevRoutes(dev)
	}

	return r
}

// buildLedgerStore selects the quota persistence per LEDGER_STORE, falling
// back to memory when the configured backend cannot be reached.
func buildLedgerStore(cfg config.Config) ledger.Store {
	switch cfg.LedgerStore {
	case "postgres":
		dbConn, err := db.Connect(context.Background(), cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
		if err != nil {
			log.Printf("failed to connect database, falling back to memory ledger: %v", err)
			break
		}
		if err := db.RunMigrations(context.Background(), dbConn); err != nil {
			log.Printf("failed to run migrations, falling back to memory ledger: %v", err)
			dbConn.Close()
			break
		}
		return ledger.NewPGStore(dbConn, cfg.DailyTokenLimit)
	case "redis":
		store, err := ledger.NewRedisStore(cfg.RedisURL, cfg.DailyTokenLimit)
		if err != nil {
			log.Printf("failed to connect redis, falling back to memory ledger: %v", err)
			break
		}
		return store
	}
	return ledger.NewMemoryStore(cfg.DailyTokenLimit)
}

func buildGenerator(cfg config.Config) llm.Generator {
	if cfg.GeminiAPIKey == "" {
		log.Printf("GEMINI_API_KEY not set; analyses will fail until a provider is configured")
		return llm.Placeholder{}
	}
	client, err := gemini.NewClient(context.Background(), cfg.GeminiAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	if err != nil {
		log.Printf("failed to build gemini client, using placeholder: %v", err)
		return llm.Placeholder{}
	}
	return client
}

// buildArchive selects the operator archive for raw malformed responses.
func buildArchive(cfg config.Config) object.ObjectStore {
	if cfg.ObjectStoreType == "s3" {
		store, err := s3store.New(context.Background(), cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			log.Printf("failed to build s3 store, falling back to local: %v", err)
		} else {
			return store
		}
	}
	return localstore.New(cfg.LocalStoreDir)
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
