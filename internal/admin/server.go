// Package admin serves the HTTP health, metrics and connection inspection
// routes of a miknet endpoint.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/miknet/internal/auth"
	"github.com/danmuck/miknet/internal/endpoint"
	"github.com/danmuck/miknet/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Source reports live connections.
type Source interface {
	Snapshot() []endpoint.ConnInfo
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	src    Source
	router *gin.Engine
	guard  auth.Validator
}

func New(id, addr string, src Source, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(id, log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{ID: id, Addr: addr, Appeared: time.Now(), src: src, router: r}
	s.registerRoutes()
	return s
}

// RequireToken guards the connection routes with v. Health and metrics stay open.
func (s *Server) RequireToken(v auth.Validator) {
	s.guard = v
}

func (s *Server) authorize(c *gin.Context) {
	if s.guard == nil {
		c.Next()
		return
	}
	if err := auth.CheckHeader(s.guard, c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	conns := s.router.Group("/connections", s.authorize)
	conns.GET("", func(c *gin.Context) {
		views := s.connections()
		c.JSON(http.StatusOK, gin.H{
			"count":       len(views),
			"connections": views,
		})
	})

	conns.GET("/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, v := range s.connections() {
			if v.ID == id {
				c.JSON(http.StatusOK, v)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	})
}

// Serve blocks until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", s.Addr).Msg("admin listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ConnView is the JSON shape of one connection.
type ConnView struct {
	ID          string         `json:"id"`
	Peer        string         `json:"peer"`
	Role        string         `json:"role"`
	State       string         `json:"state"`
	Token       uint32         `json:"token"`
	LocalSeq    uint32         `json:"local_seq"`
	PeerSeq     uint32         `json:"peer_seq"`
	NextTSN     uint32         `json:"next_tsn"`
	Outstanding int            `json:"outstanding"`
	Backlog     int            `json:"backlog"`
	Buffered    int            `json:"buffered"`
	LastInbound time.Time      `json:"last_inbound"`
	Sent        int            `json:"sent"`
	Delivered   int            `json:"delivered"`
	Duplicates  int            `json:"duplicates"`
	Retransmits int            `json:"retransmits"`
	Dropped     map[string]int `json:"dropped,omitempty"`
}

func (s *Server) connections() []ConnView {
	infos := s.src.Snapshot()
	views := make([]ConnView, 0, len(infos))
	for _, in := range infos {
		v := ConnView{
			ID:          in.ID,
			Peer:        in.Peer,
			Role:        in.Role.String(),
			State:       in.State.String(),
			Token:       in.Token,
			LocalSeq:    in.LocalSeq,
			PeerSeq:     in.PeerSeq,
			NextTSN:     in.NextTSN,
			Outstanding: in.Outstanding,
			Backlog:     in.Backlog,
			Buffered:    in.Buffered,
			LastInbound: in.LastInbound,
			Sent:        in.Stats.Sent,
			Delivered:   in.Stats.Delivered,
			Duplicates:  in.Stats.Duplicates,
			Retransmits: in.Stats.Retransmits,
		}
		if len(in.Stats.Dropped) > 0 {
			v.Dropped = make(map[string]int, len(in.Stats.Dropped))
			for reason, n := range in.Stats.Dropped {
				v.Dropped[string(reason)] = n
			}
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].ID < views[j].ID
	})
	return views
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
