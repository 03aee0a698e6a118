package accountws

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

// Router partitions subscriptions across a pool of account-socket
// instances, each capped at MaxSubscriptionsPerWebSocket. Instances are
// created on demand and discarded when their last subscription goes.
type Router struct {
	cfg    *config.Config
	tokens TokenSource
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        chan struct{} // admission semaphore, see Subscribe
	instances []*Instance
	routes    map[string]int64
	nextID    int64
}

// NewRouter creates an empty router. The first Subscribe opens the first
// socket.
func NewRouter(cfg *config.Config, tokens TokenSource, clock clockwork.Clock, logger zerolog.Logger) *Router {
	r := &Router{
		cfg:    cfg,
		tokens: tokens,
		clock:  clock,
		logger: logger.With().Str("component", "router").Logger(),
		mu:     make(chan struct{}, 1),
		routes: make(map[string]int64),
		nextID: 1,
	}
	return r
}

// lock serialises routing mutations. A channel rather than a mutex so
// acquisition can be abandoned when ctx is cancelled mid-RPC elsewhere.
func (r *Router) lock(ctx context.Context) error {
	select {
	case r.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) unlock() {
	<-r.mu
}

// Subscribe routes event/key to an instance with free capacity, creating
// a new instance when every existing one is full.
func (r *Router) Subscribe(ctx context.Context, event, key string, handler EventHandler) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	sub := subscriptionKey(event, key)
	if _, ok := r.routes[sub]; ok {
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadySubscribed, sub)
	}

	inst, created, err := r.placement(ctx)
	if err != nil {
		return err
	}

	if _, err := inst.Subscribe(ctx, event, key, handler); err != nil {
		if created {
			inst.Dispose()
			r.remove(inst.ID())
		}
		return err
	}

	r.routes[sub] = inst.ID()
	metrics.SubscriptionsRouted.Set(float64(len(r.routes)))
	r.logger.Debug().
		Str("subscription", sub).
		Int64("instance_id", inst.ID()).
		Int("instance_load", inst.Count()).
		Msg("subscription routed")
	return nil
}

// Unsubscribe removes the routing entry and, when an instance empties,
// the instance itself.
func (r *Router) Unsubscribe(ctx context.Context, event, key string) error {
	if err := r.lock(ctx); err != nil {
		return err
	}
	defer r.unlock()

	sub := subscriptionKey(event, key)
	instanceID, ok := r.routes[sub]
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrNotSubscribed, sub)
	}

	inst := r.find(instanceID)
	if inst == nil {
		delete(r.routes, sub)
		return fmt.Errorf("%w: %s", errdefs.ErrNotSubscribed, sub)
	}

	if _, err := inst.Unsubscribe(ctx, event, key); err != nil {
		return err
	}
	delete(r.routes, sub)
	metrics.SubscriptionsRouted.Set(float64(len(r.routes)))

	if inst.Count() == 0 {
		inst.Dispose()
		r.remove(instanceID)
		r.logger.Info().Int64("instance_id", instanceID).Msg("idle instance discarded")
	}
	return nil
}

// placement returns the first instance with free capacity, or a freshly
// opened one. Callers hold the router lock.
func (r *Router) placement(ctx context.Context) (*Instance, bool, error) {
	for _, inst := range r.instances {
		if inst.Count() < r.cfg.MaxSubscriptionsPerWebSocket {
			return inst, false, nil
		}
	}

	inst := NewInstance(r.nextID, r.cfg, r.tokens, r.clock, r.logger)
	r.nextID++
	if err := inst.Open(ctx); err != nil {
		inst.Dispose()
		return nil, false, fmt.Errorf("failed to open account socket: %w", err)
	}
	r.instances = append(r.instances, inst)
	return inst, true, nil
}

func (r *Router) find(instanceID int64) *Instance {
	for _, inst := range r.instances {
		if inst.ID() == instanceID {
			return inst
		}
	}
	return nil
}

func (r *Router) remove(instanceID int64) {
	for idx, inst := range r.instances {
		if inst.ID() == instanceID {
			r.instances = append(r.instances[:idx], r.instances[idx+1:]...)
			return
		}
	}
}

// InstanceCount returns the number of pooled instances.
func (r *Router) InstanceCount() int {
	r.mu <- struct{}{}
	defer r.unlock()
	return len(r.instances)
}

// Dispose tears down every instance and clears the routing table.
func (r *Router) Dispose() {
	r.mu <- struct{}{}
	defer r.unlock()

	for _, inst := range r.instances {
		inst.Dispose()
	}
	r.instances = nil
	r.routes = make(map[string]int64)
	metrics.SubscriptionsRouted.Set(0)
}
