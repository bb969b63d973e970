package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// WEB_ORIGIN 可以是逗号分隔的多个来源
func useCORS(r *gin.Engine, origin string) {
	var origins []string
	for _, o := range strings.Split(origin, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	cfg := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", IdempotencyHeader},
		ExposeHeaders:    []string{ReplayedHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	r.Use(cors.New(cfg))
}
