// app/idempotencymw.go
package app

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_book_lending/idempotency"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 128
)

// Replayer is the subset of idempotency.Store the middleware needs.
type Replayer interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	Complete(ctx context.Context, key string, status int, contentType string, body []byte) error
	Release(ctx context.Context, key string) error
}

// Idempotent 对带 Idempotency-Key 的写请求只执行一次：
// 首次占位并记录响应，重试直接重放，并发重复返回 409，5xx 或 panic 释放占位。
// store 为 nil 或请求没带 key 时直接放行；Redis 出错时也放行（不阻塞借阅）。
func Idempotent(store Replayer, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
		if store == nil || k == "" {
			c.Next()
			return
		}
		if len(k) > maxIdempotencyKeyLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, H{"error": "Idempotency-Key too long"})
			return
		}

		ctx := c.Request.Context()
		key := c.Request.Method + ":" + c.Request.URL.Path + ":" + k

		// 占位被释放或过期时再抢一次
		for attempt := 0; ; attempt++ {
			ok, err := store.Reserve(ctx, key)
			if err != nil {
				log.WarnContext(ctx, "idempotency reserve failed, serving without replay", "error", err)
				c.Next()
				return
			}
			if ok {
				break
			}

			rec, err := store.Get(ctx, key)
			if err != nil {
				log.WarnContext(ctx, "idempotency lookup failed, serving without replay", "error", err)
				c.Next()
				return
			}
			if rec.Done() {
				c.Header(ReplayedHeader, "true")
				c.Data(rec.Status, rec.ContentType, rec.Body)
				c.Abort()
				return
			}
			if rec != nil {
				c.AbortWithStatusJSON(http.StatusConflict, H{"error": "a request with this Idempotency-Key is still in progress"})
				return
			}
			if attempt > 0 {
				log.WarnContext(ctx, "idempotency key keeps vanishing, serving without replay")
				c.Next()
				return
			}
		}

		rw := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rw
		// 客户端断开也要把结果记下来
		wctx := context.WithoutCancel(ctx)

		defer func() {
			if p := recover(); p != nil {
				if err := store.Release(wctx, key); err != nil {
					log.WarnContext(ctx, "idempotency release failed", "error", err)
				}
				panic(p)
			}

			status := rw.Status()
			if status >= http.StatusInternalServerError {
				if err := store.Release(wctx, key); err != nil {
					log.WarnContext(ctx, "idempotency release failed", "error", err)
				}
				return
			}
			if err := store.Complete(wctx, key, status, rw.Header().Get("Content-Type"), rw.buf.Bytes()); err != nil {
				log.WarnContext(ctx, "idempotency record failed", "error", err)
			}
		}()

		c.Next()
	}
}

type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
