package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Gin_postgres_redis_book_lending/app"
	"Gin_postgres_redis_book_lending/config"
	"Gin_postgres_redis_book_lending/routes"
)

func main() {
	config.LoadEnv()

	application := app.MustNew()
	defer application.Close()

	routes.RegisterRoutes(application.Router, application)

	srv := &http.Server{
		Addr:              ":" + application.Config.Port,
		Handler:           application.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		application.Log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			application.Log.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown：等进行中的借阅（含补偿）跑完再关连接
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	application.Log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		application.Log.Error("shutdown", "error", err)
	}
}
