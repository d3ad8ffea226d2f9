// Package status serves a read-only HTTP view of a running plant.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/powerplant/internal/auth"
	"github.com/danmuck/powerplant/internal/logging"
	"github.com/danmuck/powerplant/internal/network"
	"github.com/danmuck/powerplant/internal/observability"
	"github.com/danmuck/powerplant/internal/powerplant"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// Source is the part of a plant the status surface reads.
type Source interface {
	Name() string
	Phase() powerplant.Phase
	Stats() powerplant.Stats
	Peers() []network.PeerRecord
}

type Config struct {
	Addr        string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on /peers and /stats.
	Token string
}

type Server struct {
	cfg      Config
	src      Source
	router   *gin.Engine
	log      zerolog.Logger
	appeared time.Time
}

func New(cfg Config, src Source) *Server {
	observability.RegisterMetrics()
	log := logging.Component("status").With().Str("node", src.Name()).Logger()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware(src.Name()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		src:      src,
		router:   r,
		log:      log,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"plant":     s.src.Name(),
			"version":   Version,
			"multicast": network.HasMulticast(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		phase := s.src.Phase()
		status := http.StatusOK
		if phase != powerplant.PhaseRunning {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": status == http.StatusOK,
			"phase": phase,
			"plant": s.src.Name(),
		})
	})

	guarded := s.router.Group("/")
	if s.cfg.Token != "" {
		guarded.Use(requireToken(auth.StaticToken{Token: s.cfg.Token}))
	}

	guarded.GET("/peers", func(c *gin.Context) {
		peers := s.src.Peers()
		if peers == nil {
			peers = []network.PeerRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"peers": peers})
	})

	guarded.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.src.Stats())
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.Authorize(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Serve listens on cfg.Addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("status.Server.Serve listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
