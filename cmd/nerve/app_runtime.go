package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/nervemesh/nerve/internal/api"
	"github.com/nervemesh/nerve/internal/breaker"
	"github.com/nervemesh/nerve/internal/buildinfo"
	"github.com/nervemesh/nerve/internal/chunk"
	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/digest"
	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/forward"
	"github.com/nervemesh/nerve/internal/metrics"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/nodeclient"
	"github.com/nervemesh/nerve/internal/probe"
	"github.com/nervemesh/nerve/internal/rag"
	"github.com/nervemesh/nerve/internal/registry"
	"github.com/nervemesh/nerve/internal/requestlog"
	"github.com/nervemesh/nerve/internal/routing"
	"github.com/nervemesh/nerve/internal/service"
	"github.com/nervemesh/nerve/internal/state"
	"github.com/nervemesh/nerve/internal/vector"
)

type nerveApp struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	stateEng   *state.StateEngine
	localNode  *model.CapabilitySnapshot

	collector *metrics.Collector
	brk       *breaker.Breaker
	reg       *registry.Registry
	engines   *engine.Manager
	vectorMgr *vector.Manager
	digests   *digest.Builder
	policy    *routing.Policy
	client    *nodeclient.Client
	fwd       *forward.Forwarder
	prober    *probe.Prober
	retriever *rag.Retriever
	indexer   *rag.Indexer

	sessions     routing.Store
	sessionClose func()
	locker       *routing.Locker
	redisClient  *redis.Client

	flushWorker    *state.CacheFlushWorker
	requestlogRepo *requestlog.Repo
	requestlogSvc  *requestlog.Service
	schedules      *cron.Cron

	apiSrv *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	stateEng, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir, envCfg.CacheDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("[main] persistence bootstrap complete")

	app, err := newNerveApp(envCfg, stateEng)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("[main] persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newNerveApp(envCfg *config.EnvConfig, stateEng *state.StateEngine) (*nerveApp, error) {
	app := &nerveApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
		stateEng:   stateEng,
	}
	app.runtimeCfg.Store(loadRuntimeConfig(stateEng))

	localNode, err := config.LoadManifest(envCfg.ManifestPath)
	if err != nil {
		return nil, err
	}
	localNode.Version = buildinfo.Version
	app.localNode = localNode
	log.Printf("[main] local node %s (%s): %d collections, %d collectors",
		localNode.Slug, localNode.Name, len(localNode.Collections), len(localNode.Collectors))

	app.initHealthPlane()
	if err := app.bootstrapFromPersistence(); err != nil {
		return nil, err
	}
	if err := app.initEngines(); err != nil {
		return nil, err
	}
	if err := app.initFederation(); err != nil {
		return nil, err
	}
	if err := app.initSessions(); err != nil {
		return nil, err
	}
	if err := app.initObservability(); err != nil {
		return nil, err
	}
	if err := app.buildAPIServer(); err != nil {
		return nil, err
	}
	if err := app.initSchedules(); err != nil {
		return nil, err
	}

	app.startBackgroundServices()
	return app, nil
}

func (a *nerveApp) rc() *config.RuntimeConfig {
	return a.runtimeCfg.Load()
}

func loadRuntimeConfig(stateEng *state.StateEngine) *config.RuntimeConfig {
	persisted, version, err := stateEng.GetSystemConfig()
	if err != nil {
		log.Printf("[config] load persisted runtime config: %v (using defaults)", err)
		return config.NewDefaultRuntimeConfig()
	}
	if persisted == nil {
		log.Println("[config] no persisted runtime config, using defaults")
		return config.NewDefaultRuntimeConfig()
	}
	log.Printf("[config] loaded runtime config version %d", version)
	return persisted
}

// initHealthPlane wires the breaker, registry and collector. The breaker
// feeds the state engine's dirty sets and the metrics collector; the
// registry consults the breaker for routability.
func (a *nerveApp) initHealthPlane() {
	a.collector = metrics.NewCollector(60)

	a.brk = breaker.New(breaker.Config{
		FailureThreshold:  func() int { return a.rc().Breaker.FailureThreshold },
		Cooldown:          func() time.Duration { return a.rc().Breaker.Cooldown.Std() },
		BackoffMultiplier: func() float64 { return a.rc().Breaker.BackoffMultiplier },
		MaxCooldown:       func() time.Duration { return a.rc().Breaker.MaxCooldown.Std() },
		OnStateDirty:      a.stateEng.MarkBreakerState,
		OnTransition: func(slug, from, to string) {
			a.collector.OnBreaker(metrics.BreakerEvent{NodeSlug: slug, From: from, To: to})
		},
	})

	a.reg = registry.New(registry.Config{
		CacheTTL:             func() time.Duration { return a.rc().Nodes.RegistryCacheTTL.Std() },
		PingFailureThreshold: func() int { return a.rc().Nodes.PingFailureThreshold },
		BreakerOpen:          a.brk.Blocked,
		OnChanged:            a.stateEng.MarkNodeHealth,
		OnRemoved: func(slug string) {
			a.stateEng.MarkNodeHealthDelete(slug)
			a.stateEng.MarkBreakerStateDelete(slug)
		},
	})
	log.Println("[main] breaker and registry initialized")
}

func (a *nerveApp) bootstrapFromPersistence() error {
	nodes, err := a.stateEng.ListNodes()
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	health, err := a.stateEng.LoadAllNodeHealth()
	if err != nil {
		log.Printf("[main] warning: load node health: %v", err)
	}
	if err := a.reg.Load(nodes, health); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	states, err := a.stateEng.LoadAllBreakerStates()
	if err != nil {
		log.Printf("[main] warning: load breaker states: %v", err)
	} else {
		a.brk.Load(states)
	}
	log.Printf("[main] restored %d nodes, %d breaker states", len(nodes), len(states))

	a.flushWorker = state.NewCacheFlushWorker(
		a.stateEng,
		state.CacheReaders{
			ReadBreakerState: a.brk.ReadState,
			ReadNodeHealth: func(slug string) *model.NodeHealth {
				e, ok := a.reg.Get(slug)
				if !ok {
					return nil
				}
				return e.HealthRecord()
			},
		},
		func() int { return a.rc().CacheFlushDirtyThreshold },
		func() time.Duration { return a.rc().CacheFlushInterval.Std() },
		5*time.Second, // check tick
	)
	return nil
}

func (a *nerveApp) initEngines() error {
	a.engines = engine.NewManager()
	openai, err := engine.NewOpenAI(engine.OpenAIConfig{
		Name:         "openai",
		BaseURL:      a.envCfg.EngineBaseURL,
		APIKey:       a.envCfg.EngineAPIKey,
		DefaultModel: a.rc().ChatModel,
		Timeout:      a.envCfg.EngineTimeout,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	a.engines.Register(openai)

	vclient, err := vector.NewClient(vector.Config{
		BaseURL: a.envCfg.VectorStoreURL,
		APIKey:  a.envCfg.VectorStoreAPIKey,
		Timeout: a.envCfg.VectorStoreTimeout,
	})
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	a.vectorMgr, err = vector.NewManager(vclient, vector.NewModelRegistry(), vector.ManagerConfig{
		BaseIndexFields: a.rc().Vector.PayloadIndexFields,
		Dimensions:      a.rc().Vector.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("vector manager: %w", err)
	}

	a.retriever = rag.NewRetriever(a.engines, a.vectorMgr, nil, func() rag.Config {
		c := a.rc()
		return rag.Config{
			EmbeddingModel:    c.Vector.EmbeddingModel,
			ChatModel:         c.ChatModel,
			MaxContextItems:   c.RAG.MaxContextItems,
			MinRelevanceScore: c.RAG.MinRelevanceScore,
			IncludeSources:    c.RAG.IncludeSources,
		}
	})
	a.indexer = rag.NewIndexer(a.engines, a.vectorMgr, func() rag.IndexerConfig {
		c := a.rc()
		return rag.IndexerConfig{
			EmbeddingModel: c.Vector.EmbeddingModel,
			Strategy:       c.Vectorization.Strategy,
			Chunk: chunk.Config{
				ChunkSize:    c.Vectorization.ChunkSize,
				Overlap:      c.Vectorization.ChunkOverlap,
				MaxFieldSize: c.Vectorization.MaxFieldSize,
			},
		}
	})
	log.Println("[main] engines, vector store and RAG pipeline initialized")
	return nil
}

func (a *nerveApp) initFederation() error {
	digests, err := digest.New(a.reg, func() digest.Config {
		c := a.rc()
		return digest.Config{Mode: c.Nodes.DigestMode, CacheTTL: c.Nodes.DigestCacheTTL.Std()}
	})
	if err != nil {
		return fmt.Errorf("digest builder: %w", err)
	}
	a.digests = digests

	a.policy = routing.NewPolicy(a.engines, a.reg, a.digests, func() routing.Config {
		c := a.rc()
		return routing.Config{
			OrchestrationModel: c.OrchestrationModel,
			HistoryWindow:      c.HistoryWindow,
			LocalMeta:          localNodeMeta(a.localNode),
		}
	})

	client, err := nodeclient.New(nodeclient.Config{
		NodeSlug:            a.localNode.Slug,
		RequestTimeout:      a.rc().Nodes.RequestTimeout.Std(),
		TokenTTL:            a.envCfg.BearerTTL,
		VerifySSL:           a.rc().Nodes.VerifySSL,
		MaxIdleConns:        a.envCfg.TransportMaxIdleConns,
		MaxIdleConnsPerHost: a.envCfg.TransportMaxIdleConnsPerHost,
		IdleConnTimeout:     a.envCfg.TransportIdleConnTimeout,
	})
	if err != nil {
		return fmt.Errorf("node client: %w", err)
	}
	a.client = client

	a.fwd = forward.New(a.client, a.reg, a.brk, func() forward.Config {
		c := a.rc()
		return forward.Config{
			MaxRetries:  c.Nodes.ForwardingMaxRetries,
			BackoffBase: c.Nodes.ForwardingBackoffBase.Std(),
		}
	})
	a.fwd.OnAuthFailure = a.refreshPeerSecrets

	a.prober = probe.New(probe.Config{
		Registry:         a.reg,
		Pinger:           a.client.Ping,
		Concurrency:      a.envCfg.ProbeConcurrency,
		PingTimeout:      func() time.Duration { return a.envCfg.ProbeTimeout },
		FailureThreshold: func() int { return a.rc().Nodes.PingFailureThreshold },
		OnOutcome:        a.onProbeOutcome,
	})
	log.Println("[main] forwarder, routing policy and prober initialized")
	return nil
}

// refreshPeerSecrets rotates this node's credentials on a peer after a
// 401/403, persists the fresh pair and reloads the registry entry. The
// forwarder retries the failed call once when this returns nil.
func (a *nerveApp) refreshPeerSecrets(ctx context.Context, e *registry.Entry) error {
	rec := e.Record()
	if rec.RefreshToken == "" {
		return fmt.Errorf("node %s has no refresh token", rec.Slug)
	}
	res, err := a.client.Refresh(ctx, nodeclient.Target{Slug: rec.Slug, BaseURL: rec.BaseURL}, rec.RefreshToken)
	if err != nil {
		return err
	}
	now := time.Now()
	graceEnd := now.Add(a.envCfg.RotationGrace)
	if err := a.stateEng.RotateNodeSecrets(rec.Slug, res.APIKey, res.RefreshToken, graceEnd.UnixNano(), now.UnixNano()); err != nil {
		return fmt.Errorf("persist rotated secrets: %w", err)
	}
	fresh, err := a.stateEng.GetNode(rec.Slug)
	if err != nil {
		return fmt.Errorf("reload node %s: %w", rec.Slug, err)
	}
	log.Printf("[forwarder] refreshed credentials for node %s", rec.Slug)
	return a.reg.Upsert(fresh)
}

func (a *nerveApp) onProbeOutcome(o probe.Outcome) {
	a.collector.OnProbe(metrics.ProbeEvent{NodeSlug: o.Slug, Success: o.Err == nil, DurationMs: o.DurationMs})

	if a.requestlogSvc == nil || !a.rc().RequestLogEnabled {
		return
	}
	reqType := model.RequestTypePing
	if o.Synced {
		reqType = model.RequestTypeSync
	}
	statusCode := 200
	if o.Err != nil {
		statusCode = 0
	}
	a.requestlogSvc.EmitOutcome(o.Slug, reqType, "", statusCode, o.DurationMs, o.Err)
}

func (a *nerveApp) initSessions() error {
	switch a.envCfg.SessionBackend {
	case "redis":
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.envCfg.RedisAddr,
			Password: a.envCfg.RedisPassword,
			DB:       a.envCfg.RedisDB,
		})
		a.sessions = routing.NewRedisStore(a.redisClient, a.envCfg.SessionTTL)
		log.Printf("[sessions] redis store at %s", a.envCfg.RedisAddr)
	default:
		store, err := routing.NewMemoryStoreWithCapacity(a.envCfg.SessionTTL, a.envCfg.SessionMaxEntries)
		if err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
		a.sessions = store
		a.sessionClose = store.Close
		log.Printf("[sessions] in-memory store (ttl=%s, cap=%d)", a.envCfg.SessionTTL, a.envCfg.SessionMaxEntries)
	}
	a.locker = routing.NewLocker()
	return nil
}

func (a *nerveApp) initObservability() error {
	a.requestlogRepo = requestlog.NewRepo(
		a.envCfg.LogDir,
		int64(a.envCfg.RequestLogDBMaxMB)<<20,
		a.envCfg.RequestLogDBRetainCount,
	)
	if err := a.requestlogRepo.Open(); err != nil {
		return fmt.Errorf("requestlog repo open: %w", err)
	}
	a.requestlogSvc = requestlog.NewService(requestlog.ServiceConfig{
		Repo:          a.requestlogRepo,
		QueueSize:     a.envCfg.RequestLogQueueSize,
		FlushBatch:    a.envCfg.RequestLogQueueFlushBatchSize,
		FlushInterval: a.envCfg.RequestLogQueueFlushInterval,
	})
	return nil
}

func (a *nerveApp) buildAPIServer() error {
	systemInfo := service.SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
		NodeSlug:  a.localNode.Slug,
		StartedAt: time.Now().UTC(),
	}

	cp := &service.ControlPlaneService{
		Engine:     a.stateEng,
		Registry:   a.reg,
		Breaker:    a.brk,
		Forwarder:  a.fwd,
		Prober:     a.prober,
		Digests:    a.digests,
		Policy:     a.policy,
		Retriever:  a.retriever,
		Sessions:   a.sessions,
		Locker:     a.locker,
		Collector:  a.collector,
		RequestLog: a.requestlogSvc,
		Actions:    a.buildActionRegistry(),
		RuntimeCfg: a.runtimeCfg,
		EnvCfg:     a.envCfg,
		LocalNode:  a.localNode,
	}

	a.apiSrv = api.NewServerWithAddress(
		a.envCfg.ListenAddress,
		a.envCfg.Port,
		a.envCfg.AdminToken,
		systemInfo,
		a.runtimeCfg,
		a.envCfg,
		cp,
		int64(a.envCfg.APIMaxBodyBytes),
		a.requestlogRepo,
	)
	return nil
}

func (a *nerveApp) initSchedules() error {
	a.schedules = cron.New()
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"ping sweep", a.envCfg.PingSweepSchedule, a.prober.Sweep},
		{"session sweep", a.envCfg.SessionSweepSchedule, a.sweepSessionLocks},
		{"log maintenance", a.envCfg.LogMaintenanceSchedule, a.maintainRequestLogs},
	}
	for _, job := range jobs {
		if _, err := a.schedules.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.name, job.spec, err)
		}
	}
	return nil
}

// sweepSessionLocks drops lock-map entries whose sessions expired from the
// store. Store errors keep the lock: a stale mutex is cheaper than racing a
// live session.
func (a *nerveApp) sweepSessionLocks() {
	dropped := a.locker.Sweep(func(sessionID string) bool {
		_, ok, err := a.sessions.Get(context.Background(), sessionID)
		if err != nil {
			return true
		}
		return ok
	})
	if dropped > 0 {
		log.Printf("[sessions] swept %d stale session locks", dropped)
	}
}

func (a *nerveApp) maintainRequestLogs() {
	if err := a.requestlogRepo.Maintain(); err != nil {
		log.Printf("[requestlog] maintenance: %v", err)
	}
}

func (a *nerveApp) startBackgroundServices() {
	a.flushWorker.Start()
	log.Println("[main] cache flush worker started")

	a.requestlogSvc.Start()
	log.Println("[main] request log service started")

	a.prober.Start()
	log.Println("[main] prober started")

	a.schedules.Start()
	log.Println("[main] cron schedules started")
}

func (a *nerveApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("[main] nerve API serving on http://%s:%d", a.envCfg.ListenAddress, a.envCfg.Port)
		err := a.apiSrv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case serverErrCh <- fmt.Errorf("api server: %w", err):
		default:
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[main] received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[main] received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *nerveApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}
	log.Println("[main] API server stopped")

	// Stop in order: event sources first, then sinks, then infrastructure.
	cronCtx := a.schedules.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	log.Println("[main] cron schedules stopped")

	a.prober.Stop()
	log.Println("[main] prober stopped")

	a.requestlogSvc.Stop()
	if err := a.requestlogRepo.Close(); err != nil {
		log.Printf("[main] request log repo close error: %v", err)
	}
	log.Println("[main] request log pipeline stopped")

	a.digests.Close()
	a.vectorMgr.Close()
	if a.sessionClose != nil {
		a.sessionClose()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			log.Printf("[sessions] redis close error: %v", err)
		}
	}

	a.flushWorker.Stop() // final cache flush before DB close
	log.Println("[main] server stopped")
}

// localNodeMeta renders the manifest into the digest's LOCAL NODE block.
func localNodeMeta(snap *model.CapabilitySnapshot) map[string]string {
	meta := map[string]string{
		"name":        snap.Name,
		"description": snap.Description,
	}
	if len(snap.Collections) > 0 {
		names := make([]string, 0, len(snap.Collections))
		for _, c := range snap.Collections {
			names = append(names, c.Name)
		}
		meta["collections"] = strings.Join(names, ", ")
	}
	if len(snap.Domains) > 0 {
		meta["domains"] = strings.Join(snap.Domains, ", ")
	}
	return meta
}
