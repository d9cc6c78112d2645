// Package retention purges expired records from every store in the topology,
// optionally archiving the primary copies to Parquet first.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xtxerr/logfeed/internal/archive"
	"github.com/xtxerr/logfeed/internal/logging"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/shard"
	"github.com/xtxerr/logfeed/internal/store"
)

// Options configures the retention manager.
type Options struct {
	// MaxAge is how long records are retained.
	MaxAge time.Duration

	// Interval is how often the sweep runs.
	Interval time.Duration

	// Archiver, if non-nil, receives expired primary records before deletion.
	Archiver *archive.Archiver

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Result summarizes one sweep.
type Result struct {
	CutoffMs    int64
	Deleted     int
	Archived    int
	ArchivePath string
	Errors      []error
}

// Stats holds cumulative sweep statistics.
type Stats struct {
	Sweeps   atomic.Int64
	Deleted  atomic.Int64
	Archived atomic.Int64
	Errors   atomic.Int64
}

// Manager runs periodic retention sweeps over a shard topology.
type Manager struct {
	router *shard.Router
	opts   Options
	clock  clock.Clock
	log    *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats Stats
}

// New creates a retention manager over the router's topology.
func New(router *shard.Router, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Manager{
		router: router,
		opts:   opts,
		clock:  opts.Clock,
		log:    logging.Component("retention"),
	}
}

// Start begins periodic sweeps.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts sweeps and waits for an in-flight one to finish.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := m.RunOnce(ctx)
			if result.Deleted > 0 || len(result.Errors) > 0 {
				m.log.Info("retention sweep",
					"deleted", result.Deleted,
					"archived", result.Archived,
					"errors", len(result.Errors))
			}
		}
	}
}

// RunOnce performs a single sweep: archive expired primary records (if an
// archiver is configured), then delete everything older than the cutoff from
// every store in the topology.
func (m *Manager) RunOnce(ctx context.Context) Result {
	now := m.clock.Now()
	result := Result{CutoffMs: now.Add(-m.opts.MaxAge).UnixMilli()}

	m.stats.Sweeps.Add(1)

	if m.opts.Archiver != nil {
		archived, path, err := m.archiveExpired(ctx, result.CutoffMs, now)
		if err != nil {
			result.Errors = append(result.Errors, err)
			m.stats.Errors.Add(1)
		} else {
			result.Archived = archived
			result.ArchivePath = path
			m.stats.Archived.Add(int64(archived))
		}
	}

	for _, s := range m.router.Stores() {
		n, err := s.DeleteBefore(ctx, result.CutoffMs)
		if err != nil {
			result.Errors = append(result.Errors, err)
			m.stats.Errors.Add(1)
			continue
		}
		result.Deleted += n
	}
	m.stats.Deleted.Add(int64(result.Deleted))

	return result
}

// archiveExpired collects expired records from each primary and writes one
// archive file per sweep. Replica copies are not archived; they hold the
// same data.
func (m *Manager) archiveExpired(ctx context.Context, cutoffMs int64, sweepTime time.Time) (int, string, error) {
	var collected []*record.LogRecord

	for _, rs := range m.router.ReplicaSets() {
		expired, err := rs.Primary.Query(ctx,
			store.Predicate{EndMs: cutoffMs - 1}, store.Page{})
		if err != nil {
			return 0, "", err
		}
		collected = append(collected, expired...)
	}
	if len(collected) == 0 {
		return 0, "", nil
	}

	path, err := m.opts.Archiver.Archive(collected, sweepTime)
	if err != nil {
		return 0, "", err
	}
	return len(collected), path, nil
}
