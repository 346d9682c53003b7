package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/towerctl/internal/admin"
	"github.com/danmuck/towerctl/internal/config"
	"github.com/danmuck/towerctl/internal/delivery"
	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/protocol/session"
	"github.com/danmuck/towerctl/internal/store"
	"github.com/danmuck/towerctl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("agent: invalid heartbeat interval")
	ErrDataDirRequired          = errors.New("agent: data dir required")
)

// ServiceConfig configures the standalone towerctl runtime.
type ServiceConfig struct {
	DataDir           string
	KeyFile           string
	TowersFile        string
	AdminListenAddr   string
	CorsOrigins       []string
	AdminTokens       []string
	HeartbeatInterval time.Duration
	Session           session.Config
	Delivery          delivery.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DataDir:           filepath.Join("local", "towerctl", "db"),
		KeyFile:           filepath.Join("local", "towerctl", "user.key"),
		HeartbeatInterval: 30 * time.Second,
		Session:           session.DefaultConfig(),
		Delivery:          delivery.DefaultConfig(),
	}
}

// Service runs the agent as a process: store, transport, engines, the
// optional admin server and a heartbeat log.
type Service struct {
	cfg ServiceConfig
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Delivery.Backoff.InitialDelay <= 0 {
		cfg.Delivery.Backoff = cfg.Session.Backoff
	}
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx is cancelled or a component fails.
func (s *Service) RunContext(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if strings.TrimSpace(s.cfg.DataDir) == "" {
		return ErrDataDirRequired
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("agent: create data dir: %w", err)
	}

	key, err := LoadOrCreateUserKey(s.cfg.KeyFile)
	if err != nil {
		return err
	}
	db, err := store.Open(s.cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := transport.NewClient(transport.Config{UserKey: key, Session: s.cfg.Session})
	if err != nil {
		return err
	}
	defer client.Close()

	a, err := New(db, client, Config{UserKey: key, Delivery: s.cfg.Delivery})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.OnStartup(ctx); err != nil {
		return err
	}
	defer a.Close()
	if err := s.bootstrapTowers(a, db); err != nil {
		return err
	}

	g.Go(func() error {
		return s.heartbeat(ctx, a)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		srv := admin.New(a, admin.Options{CorsOrigins: s.cfg.CorsOrigins, Tokens: s.cfg.AdminTokens})
		g.Go(func() error {
			return srv.Serve(ctx, addr)
		})
	}

	log.Info().
		Str("data_dir", s.cfg.DataDir).
		Str("admin", s.cfg.AdminListenAddr).
		Str("security_mode", string(s.cfg.Session.SecurityMode)).
		Msg("agent.Service ready")
	return g.Wait()
}

// bootstrapTowers registers towers from the static list that the store has
// never seen. Known towers keep their recorded state, so an Unreachable or
// deregistered tower stays that way until an operator registers it again.
func (s *Service) bootstrapTowers(a *Agent, db *store.DB) error {
	path := strings.TrimSpace(s.cfg.TowersFile)
	if path == "" {
		return nil
	}
	towers, err := config.LoadTowersConfig(path)
	if err != nil {
		return err
	}
	for _, entry := range towers.Towers {
		pk, err := domain.ParseTowerPubKey(entry.PubKey)
		if err != nil {
			return fmt.Errorf("agent: bootstrap tower %q: %w", entry.Name, err)
		}
		known, err := db.GetTower(domain.TowerIDFromPubKey(pk))
		switch {
		case err == nil:
			log.Debug().
				Str("tower", known.ID.String()).
				Str("name", entry.Name).
				Str("status", known.Status.String()).
				Bool("deregistered", known.Deregistered).
				Msg("agent.Service.bootstrapTowers known, left as is")
			continue
		case !errors.Is(err, domain.ErrTowerNotFound):
			return fmt.Errorf("agent: bootstrap tower %q: %w", entry.Name, err)
		}

		t, err := a.RegisterTower(entry.Address, entry.PubKey)
		switch {
		case err == nil:
			log.Info().Str("tower", t.ID.String()).Str("name", entry.Name).Msg("agent.Service.bootstrapTowers registered")
		case errors.Is(err, domain.ErrAlreadyRegistered):
		case errors.Is(err, domain.ErrTowerRejected):
			log.Warn().Str("name", entry.Name).Err(err).Msg("agent.Service.bootstrapTowers skipped")
		default:
			return fmt.Errorf("agent: bootstrap tower %q: %w", entry.Name, err)
		}
	}
	return nil
}

func (s *Service) heartbeat(ctx context.Context, a *Agent) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent.Service shutdown")
			return nil
		case <-ticker.C:
			counts := make(map[domain.TowerState]int)
			towers := a.ListTowers()
			for _, t := range towers {
				counts[t.Status.State]++
			}
			log.Info().
				Int("towers", len(towers)).
				Int("reachable", counts[domain.TowerReachable]).
				Int("temporary_failure", counts[domain.TowerTemporaryFailure]).
				Int("unreachable", counts[domain.TowerUnreachable]).
				Int("misbehaving", counts[domain.TowerMisbehaving]).
				Msg("agent.Service.heartbeat")
		}
	}
}
