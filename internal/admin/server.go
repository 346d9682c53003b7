// Package admin serves the operator HTTP surface: tower registration and
// inspection, appointment lookup, health and metrics.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/towerctl/internal/auth"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Controller is the agent surface the admin routes drive.
type Controller interface {
	ListTowers() []domain.Tower
	Tower(id domain.TowerID) (domain.Tower, error)
	RegisterTower(address, pubKeyHex string) (domain.Tower, error)
	DeregisterTower(id domain.TowerID) (domain.Tower, error)
	AbandonedAppointments(id domain.TowerID) ([]domain.AppointmentRecord, error)
	Appointment(id string) (domain.AppointmentRecord, error)
	ChannelAppointments(channelID string) ([]domain.AppointmentRecord, error)
}

// Options tunes the admin server. When Tokens is non-empty, mutating routes
// require an Authorization: Bearer header carrying one of them.
type Options struct {
	CorsOrigins []string
	Tokens      []string
}

type Server struct {
	ctrl    Controller
	router  *gin.Engine
	auth    auth.Validator
	log     zerolog.Logger
	started time.Time
}

func New(ctrl Controller, opts Options) *Server {
	observability.RegisterMetrics()
	logger := observability.Component("admin")
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{ctrl: ctrl, router: r, log: logger, started: time.Now()}
	if tokens := normalizeTokens(opts.Tokens); len(tokens) > 0 {
		s.auth = tokens
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
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
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin.Serve listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"towers": len(s.ctrl.ListTowers()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/towers", s.listTowers)
	r.POST("/towers", s.requireToken, s.registerTower)
	r.GET("/towers/:id", s.getTower)
	r.DELETE("/towers/:id", s.requireToken, s.deregisterTower)
	r.GET("/towers/:id/abandoned", s.abandoned)
	r.GET("/appointments/:id", s.getAppointment)
	r.GET("/channels/:id/appointments", s.channelAppointments)
}

func (s *Server) requireToken(c *gin.Context) {
	if s.auth == nil {
		c.Next()
		return
	}
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err == nil {
		err = s.auth.Validate(token)
	}
	if err != nil {
		s.log.Warn().
			Str("path", c.FullPath()).
			Str("client_ip", c.ClientIP()).
			Msg("admin.requireToken denied")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

type registerRequest struct {
	Address string `json:"address" binding:"required"`
	PubKey  string `json:"pubkey" binding:"required"`
}

func (s *Server) listTowers(c *gin.Context) {
	towers := s.ctrl.ListTowers()
	out := make([]TowerView, 0, len(towers))
	for _, t := range towers {
		out = append(out, towerView(t))
	}
	c.JSON(http.StatusOK, gin.H{"towers": out})
}

func (s *Server) registerTower(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.ctrl.RegisterTower(req.Address, req.PubKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, towerView(t))
}

func (s *Server) getTower(c *gin.Context) {
	t, err := s.ctrl.Tower(towerParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, towerView(t))
}

func (s *Server) deregisterTower(c *gin.Context) {
	t, err := s.ctrl.DeregisterTower(towerParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, towerView(t))
}

func (s *Server) abandoned(c *gin.Context) {
	recs, err := s.ctrl.AbandonedAppointments(towerParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": appointmentViews(recs)})
}

func (s *Server) getAppointment(c *gin.Context) {
	rec, err := s.ctrl.Appointment(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, appointmentView(rec))
}

func (s *Server) channelAppointments(c *gin.Context) {
	recs, err := s.ctrl.ChannelAppointments(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointments": appointmentViews(recs)})
}

func towerParam(c *gin.Context) domain.TowerID {
	return domain.TowerID(strings.ToLower(strings.TrimSpace(c.Param("id"))))
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTowerNotFound), errors.Is(err, domain.ErrAppointmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTowerRejected):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAddress), errors.Is(err, domain.ErrInvalidTowerKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func normalizeTokens(tokens []string) auth.Tokens {
	out := make(auth.Tokens, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
