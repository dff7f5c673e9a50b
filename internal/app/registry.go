package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"flexpower/internal/scheduling"
	logx "flexpower/pkg/logx"
)

var (
	ErrDuplicateOwner = errors.New("app: owner already has an active context")
	ErrUnknownOwner   = errors.New("app: no context for owner")
)

// Builder creates the (inactive) context for an owner.
type Builder func(owner string) (*scheduling.Context, error)

// Registry maps owning modules to their scheduling contexts. Consumers get
// the registry handed to them; nothing else keeps contexts by name.
type Registry struct {
	build Builder
	log   logx.Logger

	mu      sync.RWMutex
	byOwner map[string]*scheduling.Context
}

func NewRegistry(build Builder, log logx.Logger) *Registry {
	return &Registry{build: build, log: log.With(logx.String("comp", "registry")), byOwner: map[string]*scheduling.Context{}}
}

// Activate builds and starts the context for owner.
func (r *Registry) Activate(ctx context.Context, owner string) (*scheduling.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byOwner[owner]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOwner, owner)
	}
	c, err := r.build(owner)
	if err != nil {
		return nil, fmt.Errorf("build context %s: %w", owner, err)
	}
	if err := c.Activate(ctx); err != nil {
		_ = c.Deactivate(ctx)
		return nil, err
	}
	r.byOwner[owner] = c
	r.log.Debug("owner registered", logx.String("owner", owner))
	return c, nil
}

// Deactivate stops and forgets the context for owner.
func (r *Registry) Deactivate(ctx context.Context, owner string) error {
	r.mu.Lock()
	c, ok := r.byOwner[owner]
	delete(r.byOwner, owner)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	return c.Deactivate(ctx)
}

func (r *Registry) Lookup(owner string) (*scheduling.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byOwner[owner]
	return c, ok
}

// Owners lists registered owners in sorted order.
func (r *Registry) Owners() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byOwner))
	for o := range r.byOwner {
		out = append(out, o)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot reports every context, ordered by owner.
func (r *Registry) Snapshot() []scheduling.Snapshot {
	owners := r.Owners()
	out := make([]scheduling.Snapshot, 0, len(owners))
	for _, o := range owners {
		if c, ok := r.Lookup(o); ok {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// DeactivateAll stops every context concurrently and joins their errors.
func (r *Registry) DeactivateAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.byOwner
	r.byOwner = map[string]*scheduling.Context{}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for owner, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Deactivate(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", owner, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
