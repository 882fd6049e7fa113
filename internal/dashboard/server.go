package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/pairbot/internal/engine"
)

// Server exposes a read-only HTTP view of the engine. It never mutates
// engine state; everything it serves is a snapshot copy.
type Server struct {
	eng    *engine.Engine
	listen string
	log    *logrus.Entry
	srv    *http.Server
}

func New(eng *engine.Engine, listen string) *Server {
	return &Server{
		eng:    eng,
		listen: listen,
		log:    logrus.WithField("component", "dashboard"),
	}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/markets", s.handleMarkets)
	api.GET("/orders", s.handleOrders)
	api.GET("/history", s.handleHistory)

	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.log.Infof("dashboard listening on %s", s.listen)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Status())
}

func (s *Server) handleMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markets": s.eng.Markets()})
}

func (s *Server) handleOrders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"orders": s.eng.Orders()})
}

func (s *Server) handleHistory(c *gin.Context) {
	n := 100
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			n = v
		}
	}
	records, err := s.eng.RecentHistory(n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}
