package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"task-controller/internal/metrics"
	"task-controller/internal/store"
)

var ErrNoGPU = errors.New("no gpus available")

const DefaultLeaseTTL = 30 * time.Minute

// Allocator hands out time-bounded GPU leases. Leases are never released
// explicitly; a GPU becomes free again once its lease is older than ttl.
type Allocator struct {
	host   Host
	leases store.LeaseStore
	ttl    time.Duration
	now    func() time.Time
}

func NewAllocator(host Host, leases store.LeaseStore, ttl time.Duration) *Allocator {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Allocator{host: host, leases: leases, ttl: ttl, now: time.Now}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (a *Allocator) cutoff(now time.Time) float64 {
	return unixSeconds(now.Add(-a.ttl))
}

// FreeGPUIds returns host GPUs not occupied by an OS process. It does not
// consult the lease store.
func (a *Allocator) FreeGPUIds(ctx context.Context) ([]string, error) {
	all, busy, err := a.host.GPUs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGPU, err)
	}

	occupied := make(map[string]bool, len(busy))
	for _, id := range busy {
		occupied[id] = true
	}

	free := make([]string, 0, len(all))
	for _, id := range all {
		if !occupied[id] {
			free = append(free, id)
		}
	}
	sortIds(free)
	return free, nil
}

func (a *Allocator) LockedGPUIds(ctx context.Context) ([]string, error) {
	ids, err := a.leases.LockedGPUs(ctx, a.cutoff(a.now()))
	if err != nil {
		return nil, err
	}
	sortIds(ids)
	return ids, nil
}

func (a *Allocator) Lease(ctx context.Context, ids []string) error {
	return a.leases.LeaseGPUs(ctx, ids, unixSeconds(a.now()))
}

// Acquire leases count GPUs or none at all. An empty result means there are
// not enough free GPUs right now; it never waits for one.
func (a *Allocator) Acquire(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return []string{}, nil
	}

	free, err := a.FreeGPUIds(ctx)
	if err != nil {
		return nil, err
	}

	now := a.now()
	ids, err := a.leases.AcquireGPUs(ctx, free, count, a.cutoff(now), unixSeconds(now))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %d gpus: %w", count, err)
	}

	metrics.GPUAcquireTotal.WithLabelValues(strconv.FormatBool(len(ids) == count)).Inc()
	if len(ids) < count {
		slog.Warn("insufficient gpus", "requested", count, "free", len(free))
		return []string{}, nil
	}

	slog.Info("leased gpus", "ids", ids, "ttl", a.ttl)
	return ids, nil
}

// sortIds orders numeric ids numerically and everything else lexically.
func sortIds(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}
