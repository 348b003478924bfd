package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

// Defaults applied to zero Options fields.
const (
	DefaultWorkers         = 4
	DefaultLockTimeout     = 5 * time.Second
	DefaultMaxErrorDetails = 20
)

// Options configures the lifecycle services.
type Options struct {
	// Workers bounds the entity types processed concurrently within one
	// dependency level.
	Workers int
	// LockTimeout bounds the wait for a tenant lease.
	LockTimeout time.Duration
	// MaxErrorDetails caps the record errors kept per entity type in a report.
	MaxErrorDetails int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.MaxErrorDetails <= 0 {
		o.MaxErrorDetails = DefaultMaxErrorDetails
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

func (o Options) newID() string {
	return ulid.MustNew(ulid.Timestamp(o.Clock.Now()), ulid.DefaultEntropy()).String()
}

// forEachLevel calls fn for every entity type, one dependency level at a
// time. Types of a level run concurrently on at most workers goroutines; the
// first error cancels the level and stops.
func forEachLevel(ctx context.Context, levels [][]catalog.EntityType, workers int, fn func(context.Context, catalog.EntityType) error) error {
	for _, lv := range levels {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, et := range lv {
			et := et
			g.Go(func() error { return fn(gctx, et) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// acquire takes the tenant lease, turning a timeout into a ConflictError.
func acquire(ctx context.Context, s store.Store, tenantID string, timeout time.Duration) (store.Lease, error) {
	lease, err := s.AcquireTenantLock(ctx, tenantID, timeout)
	if err == nil {
		return lease, nil
	}
	if errors.Is(err, store.ErrLockTimeout) {
		return nil, &ConflictError{TenantID: tenantID, Err: err}
	}
	return nil, fmt.Errorf("lock tenant %s: %w", tenantID, err)
}
