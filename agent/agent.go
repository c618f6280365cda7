// Package agent wires the repository, cache, engine, scheduler and HTTP
// server together. Everything is constructed once here and passed by
// reference; there is no module-level mutable state.
package agent

import (
	"sync"

	"github.com/docrelay/docrelay/cache"
	"github.com/docrelay/docrelay/config"
	"github.com/docrelay/docrelay/engine"
	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/notification"
	"github.com/docrelay/docrelay/persistence"
	"github.com/docrelay/docrelay/persistence/inmem"
	rd "github.com/docrelay/docrelay/persistence/redis"
	"github.com/docrelay/docrelay/rest"
	"github.com/docrelay/docrelay/scheduler"
	"github.com/docrelay/docrelay/util"
)

type Agent struct {
	Config config.Config

	repo         persistence.Repository
	retryQueue   persistence.RetryQueue
	sessionCache *cache.SessionCache
	engine       *engine.SessionEngine
	scheduler    *scheduler.Scheduler
	httpServer   *rest.Server

	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config: conf,
	}
	setup := []func() error{
		a.setupStorage,
		a.setupEngine,
		a.setupScheduler,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	a.sessionCache = cache.NewSessionCache()
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		rdConf := rd.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		}
		a.repo = rd.NewRedisSessionDao(rdConf, util.NewJsonEncoderDecoder[model.WorkflowSession]())
		a.retryQueue = rd.NewRedisRetryQueue(rdConf)
	default:
		a.repo = inmem.NewRepository()
		a.retryQueue = inmem.NewRetryQueue()
	}
	return nil
}

func (a *Agent) setupEngine() error {
	opts := []engine.Option{}
	if a.Config.ExpirationWindow > 0 {
		opts = append(opts, engine.WithExpirationWindow(a.Config.ExpirationWindow))
	}
	if a.Config.MaxReminders > 0 {
		opts = append(opts, engine.WithMaxReminders(a.Config.MaxReminders))
	}
	a.engine = engine.NewSessionEngine(a.repo, a.sessionCache, notification.LogDispatcher{}, a.retryQueue, &a.wg, opts...)
	a.engine.Start()
	return nil
}

func (a *Agent) setupScheduler() error {
	conf := scheduler.DefaultConfig()
	if a.Config.ReminderInterval > 0 {
		conf.ReminderInterval = a.Config.ReminderInterval
	}
	if a.Config.ExpirationInterval > 0 {
		conf.ExpirationInterval = a.Config.ExpirationInterval
	}
	if a.Config.StaleInterval > 0 {
		conf.StaleInterval = a.Config.StaleInterval
	}
	if a.Config.JobCleanupInterval > 0 {
		conf.JobCleanupInterval = a.Config.JobCleanupInterval
	}
	if a.Config.ReminderDelay > 0 {
		conf.ReminderDelay = a.Config.ReminderDelay
	}
	if a.Config.RetentionWindow > 0 {
		conf.RetentionWindow = a.Config.RetentionWindow
	}
	if a.Config.BatchSize > 0 {
		conf.BatchSize = a.Config.BatchSize
	}
	a.scheduler = scheduler.NewScheduler(conf, a.engine, a.repo, a.sessionCache, a.retryQueue, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.Config.BaseUrl, a.engine)
	return err
}

func (a *Agent) Start() error {
	a.scheduler.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server stopped")
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.scheduler.Stop()
			return nil
		},
		func() error {
			a.engine.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	a.wg.Wait()
	return nil
}
