// Package server wires the serving core together: buffer pool, RDMA
// connector, dispatch ingress, plan follower, and the admin HTTP endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	gpubackend "github.com/dengwxn/nexuslb/internal/backend"
	"github.com/dengwxn/nexuslb/internal/config"
	"github.com/dengwxn/nexuslb/internal/dispatcher"
	"github.com/dengwxn/nexuslb/internal/memory"
	"github.com/dengwxn/nexuslb/internal/metrics"
	"github.com/dengwxn/nexuslb/internal/models"
	"github.com/dengwxn/nexuslb/internal/transport/rdma"
)

const poolGaugeInterval = 5 * time.Second

// Server is one NexusLB dispatcher node: it terminates frontend RDMA
// connections, routes dispatches into model-session queues, and follows
// batch plans on the GPU.
type Server struct {
	cfg *config.Config

	pool      *memory.Pool
	verbs     rdma.Backend
	connector *rdma.Connector
	worker    *dispatcher.ModelWorker
	follower  *gpubackend.PlanFollower
	exposed   []byte

	entrances []*dispatcher.ChannelEntrance
	admin     *http.Server
}

// New builds the server from configuration with the build-selected verbs
// backend.
func New(cfg *config.Config) (*Server, error) {
	return NewWithBackend(cfg, rdma.NewBackend())
}

// NewWithBackend builds the server on an explicit verbs backend. Loopback
// deployments share one simulated fabric between server and client.
func NewWithBackend(cfg *config.Config, verbs rdma.Backend) (*Server, error) {
	pool, err := memory.NewPool(cfg.RDMA.PoolBits, cfg.RDMA.BlockBits)
	if err != nil {
		return nil, fmt.Errorf("creating buffer pool: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		pool:     pool,
		verbs:    verbs,
		worker:   dispatcher.NewModelWorker(pool, dispatcher.NewGlobalIDIssuer()),
		follower: gpubackend.NewPlanFollower(cfg.Follower.GPUID),
		exposed:  make([]byte, cfg.RDMA.ExposedRegionBytes),
	}

	poller := rdma.PollerBlocking
	if cfg.RDMA.Poller == config.PollerSpinning {
		poller = rdma.PollerSpinning
	}
	connector, err := rdma.NewConnector(srv.verbs, rdma.ConnectorConfig{
		Device: cfg.RDMA.DeviceName,
		Poller: poller,
	}, srv.worker, pool)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("creating connector: %w", err)
	}
	srv.connector = connector

	for _, mc := range cfg.Models {
		profile := models.SleepProfile{
			Base:     time.Duration(mc.BaseLatencyUS) * time.Microsecond,
			PerQuery: time.Duration(mc.PerQueryLatencyUS) * time.Microsecond,
		}
		srv.follower.AddModel(models.NewSleepModel(mc.Index, profile))
		entrance := dispatcher.NewChannelEntrance(mc.Index, cfg.Dispatcher.QueueDepth)
		srv.worker.AddModelSession(entrance)
		srv.entrances = append(srv.entrances, entrance)
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv.admin = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv, nil
}

// Start runs the server until the context is cancelled, then shuts down in
// order: the admin endpoint, the connector (stop accepting, close
// connections), the follower, and the pool.
func (s *Server) Start(ctx context.Context) error {
	s.follower.Start()
	for _, e := range s.entrances {
		go s.bridgeEntrance(ctx, e)
	}

	if err := s.connector.ListenTCP(s.cfg.RDMA.Port, s.exposed); err != nil {
		return err
	}
	log.Info().
		Str("node_id", s.cfg.NodeID).
		Int("rdma_port", s.cfg.RDMA.Port).
		Int("admin_port", s.cfg.AdminPort).
		Str("device", s.connector.DeviceName()).
		Msg("nexuslb dispatcher started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(poolGaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.PoolBlocksInUse.Set(float64(s.pool.InUse()))
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

// bridgeEntrance converts each dispatched query into an immediate
// single-query batch plan. It stands in for the external batch scheduler
// when none is wired; plan shaping happens upstream in a full deployment.
func (s *Server) bridgeEntrance(ctx context.Context, e *dispatcher.ChannelEntrance) {
	for {
		select {
		case d := <-e.Queue():
			now := time.Now()
			s.follower.AddBatchPlan(&gpubackend.BatchPlan{
				PlanID:               d.GlobalID,
				ModelIndex:           d.ModelIndex,
				ExecTimeNS:           now.UnixNano(),
				ExpectedFinishTimeNS: now.Add(time.Millisecond).UnixNano(),
				Queries: []gpubackend.PlanQuery{
					{QueryID: d.QueryID, GlobalID: d.GlobalID},
				},
			})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) shutdown() {
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.admin.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin server shutdown")
	}
	if err := s.connector.Close(); err != nil {
		log.Warn().Err(err).Msg("closing connector")
	}
	s.follower.Stop()
	if err := s.pool.Close(); err != nil {
		log.Warn().Err(err).Msg("closing buffer pool")
	}
	log.Info().Msg("shutdown complete")
}
