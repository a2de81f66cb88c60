// Package heartbeat runs the gateway's single cooperative background
// loop: on a dedicated goroutine, ticking every worker-interval-sec, it
// drives synthetic warm requests for opted-in endpoints, triggers due
// cache refreshes, and runs lake-catalog compaction on its own
// schedule. It never competes with request-serving goroutines for the
// engine handle beyond what those operations themselves already do.
package heartbeat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"flapi/internal/cacheengine"
	"flapi/internal/config"
	"flapi/internal/logging"
)

const defaultWorkerIntervalSec = 10

// warmPingRate throttles how many synthetic warm requests and cache
// refreshes a single tick may fire per second, so a project with many
// opted-in endpoints doesn't slam the engine handle all at once on
// every tick boundary.
const warmPingRate = 20

// compactionKey is the due-tracking key used for the global compaction
// schedule, distinct from any real endpoint's URL path.
const compactionKey = "__compaction__"

// Worker is the heartbeat loop. A zero Worker is not usable; build one
// with New.
type Worker struct {
	cfg       config.GlobalHeartbeatConfig
	endpoints []*config.EndpointConfig
	handler   http.Handler
	cache     *cacheengine.Engine
	lakeAlias string

	parser  cron.Parser
	limiter *rate.Limiter

	mu      sync.Mutex
	lastRun map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a Worker. handler is the gateway's own request pipeline,
// invoked directly (bypassing the network) for synthetic warm
// requests.
func New(cfg config.GlobalHeartbeatConfig, endpoints []*config.EndpointConfig, handler http.Handler, cache *cacheengine.Engine, lakeAlias string) *Worker {
	return &Worker{
		cfg:       cfg,
		endpoints: endpoints,
		handler:   handler,
		cache:     cache,
		lakeAlias: lakeAlias,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		limiter:   rate.NewLimiter(rate.Limit(warmPingRate), warmPingRate),
		lastRun:   make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the loop on its own goroutine. Calling Start twice on
// the same Worker is undefined; build a fresh Worker per run instead.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to exit and blocks until it has, matching the
// process shutdown sequence's stop-then-join ordering.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	interval := time.Duration(w.cfg.WorkerIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultWorkerIntervalSec * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick runs one loop body: skip entirely if heartbeat is globally
// disabled, otherwise drive warm requests, due cache refreshes, and
// due compaction. Exported so tests can drive it deterministically
// without waiting on the ticker.
func (w *Worker) Tick() {
	if !w.cfg.Enabled {
		return
	}

	ctx := context.Background()
	var g errgroup.Group
	for _, ep := range w.endpoints {
		ep := ep
		if ep.Heartbeat.Enabled {
			g.Go(func() error {
				if err := w.limiter.Wait(ctx); err != nil {
					return nil
				}
				w.warmRequest(ep)
				return nil
			})
		}
		if ep.Cache.Enabled && ep.Cache.Schedule != "" && w.due(ep.URLPath, ep.Cache.Schedule) {
			g.Go(func() error {
				if err := w.limiter.Wait(ctx); err != nil {
					return nil
				}
				w.refreshCache(ep)
				return nil
			})
		}
	}
	g.Wait() // warmRequest/refreshCache log their own failures; nothing to collect here

	if w.cfg.CompactionSchedule != "" && w.due(compactionKey, w.cfg.CompactionSchedule) {
		w.compact()
	}
}

// warmRequest constructs a synthetic request from the endpoint's
// configured heartbeat params and invokes the pipeline directly,
// discarding the body but logging a non-2xx/3xx outcome.
func (w *Worker) warmRequest(ep *config.EndpointConfig) {
	req := httptest.NewRequest(ep.EffectiveMethod(), ep.URLPath, nil)
	q := req.URL.Query()
	for k, v := range ep.Heartbeat.Params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	rec := httptest.NewRecorder()
	w.handler.ServeHTTP(rec, req)
	if rec.Code >= http.StatusBadRequest {
		logging.Warn("heartbeat_warm_request_failed", map[string]any{
			"endpoint": ep.URLPath,
			"status":   rec.Code,
		})
	}
}

// due reports whether key's cron schedule has a trigger time in
// (lastRun, now], recording now as the new lastRun when it fires. The
// first tick after a key is first seen treats lastRun as one minute
// ago, so a schedule due at process start fires on the first tick
// rather than waiting a full period.
func (w *Worker) due(key, schedule string) bool {
	sched, err := w.parser.Parse(schedule)
	if err != nil {
		logging.Warn("heartbeat_bad_schedule", map[string]any{
			"key": key, "schedule": schedule, "error": err.Error(),
		})
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	last, ok := w.lastRun[key]
	if !ok {
		last = time.Now().Add(-time.Minute)
	}
	now := time.Now()
	if sched.Next(last).After(now) {
		return false
	}
	w.lastRun[key] = now
	return true
}

func (w *Worker) refreshCache(ep *config.EndpointConfig) {
	if err := w.cache.Refresh(context.Background(), ep, w.lakeAlias, map[string]any{}); err != nil {
		logging.Warn("heartbeat_cache_refresh_failed", map[string]any{
			"endpoint": ep.URLPath,
			"error":    err.Error(),
		})
	}
}

// compact runs snapshot-retention GC for every cache-enabled endpoint.
// There is no single catalog-wide compaction call on the engine
// handle — compaction is expressed per endpoint through cacheengine.GC,
// which expires snapshots older than one day whatever the endpoint's
// own retention settings.
func (w *Worker) compact() {
	for _, ep := range w.endpoints {
		if !ep.Cache.Enabled {
			continue
		}
		if err := w.cache.GC(context.Background(), ep); err != nil {
			logging.Warn("heartbeat_compaction_failed", map[string]any{
				"endpoint": ep.URLPath,
				"error":    err.Error(),
			})
		}
	}
}
