package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"Gin_postgres_redis_book_lending/db"
	"Gin_postgres_redis_book_lending/idempotency"
	"Gin_postgres_redis_book_lending/lending"
	"Gin_postgres_redis_book_lending/memstore"
	"Gin_postgres_redis_book_lending/mongostore"
)

// 简化别名，便于 handlers 调用
type Ctx = gin.Context
type H = gin.H

// App 聚合各依赖；进程内只创建一次，关闭时统一释放
type App struct {
	Router *gin.Engine
	Store  lending.Store
	Engine *lending.Engine
	RDB    *redis.Client
	Idem   *idempotency.Store
	Log    *slog.Logger
	Config Config

	closers []func() error
}

// Config 从环境变量读取
type Config struct {
	Port           string
	StoreBackend   string
	DatabaseURL    string
	MongoURI       string
	MongoDB        string
	RedisAddr      string
	RedisPwd       string
	WebOrigin      string
	IdempotencyTTL time.Duration
	PendingTTL     time.Duration
	LoanPeriod     time.Duration
	LogLevel       string
}

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

func MustNew() *App {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := &App{Config: cfg, Log: logger}

	// --- Store ---
	switch cfg.StoreBackend {
	case BackendPostgres:
		gdb, err := db.ConnectDB(cfg.DatabaseURL, logger)
		if err != nil {
			fatal(logger, "postgres", err)
		}
		repo := db.NewRepo(gdb)
		a.Store = repo
		a.closers = append(a.closers, repo.Close)
	case BackendMongo:
		ms, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			fatal(logger, "mongo", err)
		}
		logger.Info("database connected", "backend", "mongo", "db", cfg.MongoDB)
		a.Store = ms
		a.closers = append(a.closers, func() error { return ms.Close(context.Background()) })
	case BackendMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		a.Store = memstore.New()
	default:
		fatal(logger, "config", fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}

	// --- Redis（可选：未配置时不做幂等重放）---
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPwd, DB: 0})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatal(logger, "redis", err)
		}
		a.RDB = rdb
		a.Idem = idempotency.NewStore(rdb, cfg.IdempotencyTTL, cfg.PendingTTL)
		a.closers = append(a.closers, rdb.Close)
	}

	a.Engine = lending.NewEngine(a.Store,
		lending.WithLogger(logger),
		lending.WithLoanPeriod(cfg.LoanPeriod),
	)
	logger.Info("lending engine ready",
		"backend", cfg.StoreBackend,
		"transactional", a.Engine.Transactional(),
		"idempotency", a.Idem != nil)

	// --- Gin ---
	r := gin.Default()
	useCORS(r, cfg.WebOrigin)
	a.Router = r
	return a
}

// Replayer 返回幂等存储；Redis 未配置时为 nil，中间件直接放行
func (a *App) Replayer() Replayer {
	if a.Idem == nil {
		return nil
	}
	return a.Idem
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close resource", "error", err)
		}
	}
}

func fatal(log *slog.Logger, what string, err error) {
	log.Error("startup failed", "component", what, "error", err)
	os.Exit(1)
}

func loadConfig() Config {
	get := func(k, def string) string {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			return def
		}
		return v
	}
	seconds := func(k string, def int) time.Duration {
		if n, err := strconv.Atoi(get(k, "")); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return time.Duration(def) * time.Second
	}

	loanDays := 14
	if n, err := strconv.Atoi(get("LOAN_PERIOD_DAYS", "")); err == nil && n > 0 {
		loanDays = n
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			get("DB_HOST", "127.0.0.1"),
			get("DB_USER", "postgres"),
			os.Getenv("DB_PASSWORD"),
			get("DB_NAME", "booksdb"),
			get("DB_PORT", "5432"),
		)
	}

	return Config{
		Port:           get("PORT", "3000"),
		StoreBackend:   strings.ToLower(get("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:    dsn,
		MongoURI:       get("MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDB:        get("MONGO_DB", "booksdb"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPwd:       os.Getenv("REDIS_PASSWORD"),
		WebOrigin:      get("WEB_ORIGIN", "http://localhost:5173"),
		IdempotencyTTL: seconds("IDEMPOTENCY_TTL_SECONDS", 86400),
		PendingTTL:     seconds("IDEMPOTENCY_PENDING_TTL_SECONDS", 60),
		LoanPeriod:     time.Duration(loanDays) * 24 * time.Hour,
		LogLevel:       get("LOG_LEVEL", "info"),
	}
}
