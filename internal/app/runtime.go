package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medialens/inference/internal/adapter/broadcast/redis"
	"github.com/medialens/inference/internal/adapter/inference/remote"
	"github.com/medialens/inference/internal/adapter/inference/stub"
	"github.com/medialens/inference/internal/adapter/media"
	queuepg "github.com/medialens/inference/internal/adapter/queue/postgres"
	repopg "github.com/medialens/inference/internal/adapter/repo/postgres"
	"github.com/medialens/inference/internal/adapter/vector/qdrant"
	"github.com/medialens/inference/internal/auth"
	"github.com/medialens/inference/internal/config"
	"github.com/medialens/inference/internal/domain"
	"github.com/medialens/inference/internal/usecase"
)

// Runtime owns every long-lived handle of a process. It is built once in
// main and passed down; nothing in the tree reaches for globals.
type Runtime struct {
	Cfg       config.Config
	Pool      *pgxpool.Pool
	Store     *repopg.Store
	Queue     *queuepg.Queue
	Media     *media.Client
	Vectors   *qdrant.Client
	Engine    domain.InferenceEngine
	Broadcast *redis.Broadcaster
	Verifier  auth.Verifier
	Jobs      usecase.JobService
	Sampler   *StatsSampler
	Ready     *Readiness
}

// NewRuntime connects every dependency, runs migrations and ensures the
// vector collections. The caller must Close it.
func NewRuntime(ctx context.Context, cfg config.Config) (*Runtime, error) {
	pool, err := repopg.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=runtime.db: %w", err)
	}
	if err := repopg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	store := repopg.NewStore(pool)
	queue := queuepg.NewQueue(pool)
	mediaClient := media.New(cfg.MediaStoreURL, cfg.MediaFetchTimeout)
	vectors := qdrant.New(cfg.VectorStoreURL, cfg.VectorStoreAPIKey)
	broadcaster := redis.New(cfg.BrokerAddr(), cfg.BrokerPassword, cfg.BrokerDB)

	var engine domain.InferenceEngine
	if cfg.UseStubEngine() {
		engine = stub.New(cfg.EmbeddingDim)
	} else {
		engine = remote.New(cfg.InferenceURL, cfg.EmbeddingDim, cfg.InferenceTimeout)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		_ = broadcaster.Close()
		pool.Close()
		return nil, err
	}

	if err := EnsureCollections(ctx, cfg, vectors); err != nil {
		_ = broadcaster.Close()
		pool.Close()
		return nil, err
	}

	jobs := usecase.NewJobService(store, queue, cfg.WorkerMaxRetries)

	ready := NewReadiness().
		Add("database", pool.Ping).
		Add("broker", broadcaster.Healthcheck).
		Add("vector_store", vectors.Healthcheck).
		Add("media_store", mediaClient.Healthcheck)
	if rc, ok := engine.(*remote.Client); ok {
		ready.Add("inference_backend", rc.Healthcheck)
	}

	return &Runtime{
		Cfg:       cfg,
		Pool:      pool,
		Store:     store,
		Queue:     queue,
		Media:     mediaClient,
		Vectors:   vectors,
		Engine:    engine,
		Broadcast: broadcaster,
		Verifier:  verifier,
		Jobs:      jobs,
		Sampler:   NewStatsSampler(jobs, cfg.StatsSampleInterval),
		Ready:     ready,
	}, nil
}

func buildVerifier(cfg config.Config) (auth.Verifier, error) {
	if cfg.AuthDisabled {
		if cfg.IsProd() {
			return nil, fmt.Errorf("op=runtime.auth: AUTH_DISABLED is not allowed in prod")
		}
		return auth.NewDisabledVerifier(), nil
	}
	if cfg.AuthServiceURL != "" {
		return auth.NewJWTVerifier(auth.NewHTTPKeySource(cfg.AuthServiceURL, cfg.AuthKeyRefresh)), nil
	}
	return auth.NewJWTVerifier(auth.NewFileKeySource(cfg.PublicKeyFile())), nil
}

// Confirmer returns the result-sync confirmer, or nil when sync is off.
func (r *Runtime) Confirmer() domain.ResultConfirmer {
	if !r.Cfg.MediaSyncEnabled {
		return nil
	}
	return r.Media
}

// Close flushes the broadcast outbox and releases connections. Safe after
// a partial shutdown; everything it touches tolerates repeat closes.
func (r *Runtime) Close() {
	if r.Broadcast != nil {
		_ = r.Broadcast.Close()
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
}
