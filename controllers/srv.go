// controllers/srv.go
package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_book_lending/app"
	"Gin_postgres_redis_book_lending/lending"
)

type Srv struct {
	Engine  *lending.Engine
	Catalog lending.CatalogStore
	Log     *slog.Logger

	ping func(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func GetSrv(a *app.App) *Srv {
	s := NewSrv(a.Engine, a.Store, a.Log)
	if p, ok := a.Store.(pinger); ok {
		s.ping = p.Ping
	}
	return s
}

func NewSrv(engine *lending.Engine, catalog lending.CatalogStore, log *slog.Logger) *Srv {
	if log == nil {
		log = slog.Default()
	}
	return &Srv{Engine: engine, Catalog: catalog, Log: log}
}

// Health 探活：后端支持 Ping 时顺带检查数据库
func (s *Srv) Health(c *gin.Context) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.Log.WarnContext(ctx, "health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, app.H{"ok": false})
			return
		}
	}
	c.JSON(http.StatusOK, app.H{"ok": true})
}

// --- helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrOutOfStock), errors.Is(err, lending.ErrAlreadyBorrowed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail 统一错误响应；存储故障不把内部错误透给客户端
func (s *Srv) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Log.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, app.H{"error": "internal server error"})
		return
	}
	c.JSON(status, app.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, app.H{"error": msg})
}

// parseDate accepts RFC 3339 or a bare YYYY-MM-DD (what the date pickers send).
// An empty string gives the zero time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}
