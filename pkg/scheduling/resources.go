package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResourcePool tracks a set of named, finite resources and hands out
// all-or-nothing allocations. A request either acquires every resource it
// names or none of them; partial acquisition is rolled back before Allocate
// returns.
type ResourcePool struct {
	mu        sync.Mutex
	logger    *slog.Logger
	capacity  map[string]float64
	available map[string]float64

	// allocations remembers exactly what each grant took, so Release
	// returns precisely that amount even if the caller's view drifted.
	allocations map[string]map[string]float64

	notify chan struct{}
}

func NewResourcePool(logger *slog.Logger, capacity map[string]float64) *ResourcePool {
	pool := &ResourcePool{
		logger:      logger.With("module", "resource_pool"),
		capacity:    make(map[string]float64, len(capacity)),
		available:   make(map[string]float64, len(capacity)),
		allocations: make(map[string]map[string]float64),
		notify:      make(chan struct{}),
	}

	for name, qty := range capacity {
		pool.capacity[name] = qty
		pool.available[name] = qty
	}

	return pool
}

// Allocate attempts to take the requested quantities. On success it returns
// an allocation id to release with; on shortfall it returns ok=false with
// nothing held.
func (p *ResourcePool) Allocate(request map[string]float64) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name := range request {
		if _, ok := p.capacity[name]; !ok {
			return "", false, fmt.Errorf("resource %q: %w", name, ErrUnknownResource)
		}
	}

	taken := make(map[string]float64, len(request))

	for name, qty := range request {
		if qty <= 0 {
			continue
		}

		if p.available[name] < qty {
			for held, amount := range taken {
				p.available[held] += amount
			}

			return "", false, nil
		}

		p.available[name] -= qty
		taken[name] = qty
	}

	id := "alloc-" + uuid.New().String()
	p.allocations[id] = taken

	return id, true, nil
}

// Release returns an allocation's resources to the pool and wakes waiters.
func (p *ResourcePool) Release(allocationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	taken, ok := p.allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s: %w", allocationID, ErrJobNotFound)
	}

	delete(p.allocations, allocationID)

	for name, qty := range taken {
		p.available[name] += qty
		if p.available[name] > p.capacity[name] {
			p.available[name] = p.capacity[name]
		}
	}

	close(p.notify)
	p.notify = make(chan struct{})

	return nil
}

// WaitForResources blocks until the request can be satisfied, then takes it.
// ErrResourceExhausted is returned when the timeout elapses first, and any
// request exceeding total capacity fails immediately rather than waiting
// forever.
func (p *ResourcePool) WaitForResources(ctx context.Context, request map[string]float64, timeout time.Duration) (string, error) {
	p.mu.Lock()

	for name, qty := range request {
		capacity, ok := p.capacity[name]
		if !ok {
			p.mu.Unlock()

			return "", fmt.Errorf("resource %q: %w", name, ErrUnknownResource)
		}

		if qty > capacity {
			p.mu.Unlock()

			return "", fmt.Errorf("resource %q: requested %.2f exceeds capacity %.2f: %w",
				name, qty, capacity, ErrResourceExhausted)
		}
	}

	p.mu.Unlock()

	deadline := time.Now().Add(timeout)

	for {
		id, ok, err := p.Allocate(request)
		if err != nil {
			return "", err
		}

		if ok {
			return id, nil
		}

		p.mu.Lock()
		wake := p.notify
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrResourceExhausted
		}

		timer := time.NewTimer(remaining)

		select {
		case <-ctx.Done():
			timer.Stop()

			return "", ctx.Err()
		case <-timer.C:
			return "", ErrResourceExhausted
		case <-wake:
			timer.Stop()
		}
	}
}

// CanSatisfy reports whether the request would succeed right now.
func (p *ResourcePool) CanSatisfy(request map[string]float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, qty := range request {
		if p.available[name] < qty {
			return false
		}
	}

	return true
}

// Available returns a copy of the currently free quantities.
func (p *ResourcePool) Available() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]float64, len(p.available))
	for name, qty := range p.available {
		out[name] = qty
	}

	return out
}

// Utilization returns the used fraction per resource, 0 when unused.
func (p *ResourcePool) Utilization() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]float64, len(p.capacity))

	for name, capacity := range p.capacity {
		if capacity <= 0 {
			out[name] = 0

			continue
		}

		out[name] = (capacity - p.available[name]) / capacity
	}

	return out
}

// ActiveAllocations returns how many grants are outstanding.
func (p *ResourcePool) ActiveAllocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.allocations)
}
