// Package server is the HTTP transport over the query service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mappingbitcoin/wot-oracle/pkg/oracle"
)

type Server struct {
	svc  *oracle.Service
	log  *logrus.Logger
	port int
	http *http.Server
}

// New builds the gin engine with middleware and routes.
func New(ctx context.Context, svc *oracle.Service, port, rateLimitPerMinute int, log *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.SetTrustedProxies(nil)

	s := &Server{svc: svc, log: log, port: port}

	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(MaxBodySize(maxBodySize))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       time.Hour,
	}))
	r.Use(NewRateLimiter(ctx, rateLimitPerMinute).Handler())
	r.Use(prometheusMiddleware())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/distance", s.handleDistance)
	api.POST("/distance/batch", s.handleBatchDistance)
	api.GET("/follows/:pubkey", s.handleFollows)
	api.GET("/common", s.handleCommonFollows)
	api.GET("/path", s.handleShortestPath)
	api.GET("/stats", s.handleStats)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.port).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
