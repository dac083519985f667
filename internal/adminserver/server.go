// Package adminserver is the opt-in operator surface for a long-lived bot
// process: Prometheus metrics, a health probe tied to the gateway session,
// and debug snapshots of rate-limit buckets and circuit breakers.
package adminserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gocord/internal/circuit"
	"gocord/internal/gateway"
	"gocord/internal/logger"
	"gocord/internal/monitor"
	"gocord/internal/ratelimit"
)

// Deps are read-only snapshot accessors the server renders; it never
// mutates engine state.
type Deps struct {
	BucketSnapshot  func() map[string]ratelimit.BucketState
	CircuitSnapshot func() map[string]circuit.State
	GatewaySnapshot func() gateway.Snapshot
}

type Server struct {
	addr string
	srv  *http.Server
}

func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(logger.GinLogger(), logger.GinRecovery(true))

	g.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	g.GET("/metrics", gin.WrapH(monitor.Handler()))

	g.GET("/healthz", func(c *gin.Context) {
		snap := deps.GatewaySnapshot()
		status := http.StatusOK
		if !snap.Ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":     snap.Status.String(),
			"ready":      snap.Ready,
			"session_id": snap.SessionID,
			"sequence":   snap.Sequence,
		})
	})

	debug := g.Group("/debug")
	{
		debug.GET("/buckets", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.BucketSnapshot())
		})
		debug.GET("/circuit", func(c *gin.Context) {
			out := map[string]string{}
			for host, st := range deps.CircuitSnapshot() {
				out[host] = st.String()
			}
			c.JSON(http.StatusOK, out)
		})
	}

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: g},
	}
}

// Start blocks on ListenAndServe; callers run it in its own goroutine.
func (s *Server) Start() {
	zap.L().Info("admin server run", zap.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zap.L().Error("admin server listen failed", zap.Error(err))
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
