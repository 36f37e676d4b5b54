package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// Source produces the latest discovery snapshot of active instruments. A
// failed poll returns an error and the engine keeps the previous set.
type Source interface {
	Poll(ctx context.Context) ([]models.Instrument, error)
}

// Commander receives incremental subscription commands. The connection
// manager implements it; commands are applied immediately when connected and
// are harmless no-ops otherwise because the set itself is replayed in full on
// the next connect.
type Commander interface {
	Subscribe(ids []string)
	Unsubscribe(ids []string)
}

// Engine drives the discovery poll loop and reconciles each snapshot against
// the canonical subscription set.
type Engine struct {
	cfg       *config.Config
	set       *Set
	source    Source
	commander Commander
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
}

func NewEngine(cfg *config.Config, set *Set, source Source, commander Commander) *Engine {
	return &Engine{
		cfg:       cfg,
		set:       set,
		source:    source,
		commander: commander,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// Start launches the poll loop. The first reconciliation happens immediately
// so the stream has a subscription set before its first connect.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("subscription engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("subscription_engine")
	log.WithFields(logger.Fields{"interval": e.cfg.Discovery.Interval}).Info("starting subscription engine")

	e.wg.Add(1)
	go e.pollWorker()

	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("subscription_engine").Info("stopping subscription engine")
	e.wg.Wait()
	e.log.WithComponent("subscription_engine").Info("subscription engine stopped")
}

func (e *Engine) pollWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Discovery.Interval)
	defer ticker.Stop()

	e.reconcile(time.Now().UTC())

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(time.Now().UTC())
		}
	}
}

// reconcile applies one discovery snapshot. Removals are emitted before
// additions. A poll failure keeps the previous set but still prunes expired
// instruments, since markets resolve regardless of catalog availability.
func (e *Engine) reconcile(now time.Time) {
	log := e.log.WithComponent("subscription_engine")

	snapshot, err := e.source.Poll(e.ctx)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("discovery poll failed, keeping previous subscription set")
		if expired := e.set.PruneExpired(now); len(expired) > 0 {
			log.WithFields(logger.Fields{"expired": len(expired)}).Info("unsubscribing expired instruments")
			e.commander.Unsubscribe(IDs(expired))
		}
		return
	}

	diff := e.set.Apply(snapshot, now)
	if diff.Empty() {
		return
	}

	log.WithFields(logger.Fields{
		"added":   len(diff.Added),
		"removed": len(diff.Removed),
		"total":   e.set.Len(),
	}).Info("subscription set reconciled")

	if len(diff.Removed) > 0 {
		e.commander.Unsubscribe(IDs(diff.Removed))
	}
	if len(diff.Added) > 0 {
		e.commander.Subscribe(IDs(diff.Added))
	}
}
