package fxupload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/derektruong/fxupload/internal/upstate"
	"github.com/derektruong/fxupload/storage"
	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
)

// clientState is the in-memory, authoritative copy of the state of one
// client. Every access holds mu.
type clientState struct {
	mu     sync.Mutex
	loaded bool
	// dirty is set while state is not known to be persisted, a dirty
	// state never expires from the cache
	dirty bool
	state upstate.State
}

// stateCache keeps the state of recently active clients in memory and
// writes every change through to the store.
type stateCache struct {
	logger    logr.Logger
	store     storage.Store
	listener  Listener
	cache     *ttlcache.Cache[string, *clientState]
	retryable bool
	retry     RetryConfig
}

func newStateCache(
	logger logr.Logger,
	store storage.Store,
	listener Listener,
	expiry time.Duration,
	retryable bool,
	retryConfig RetryConfig,
) *stateCache {
	return &stateCache{
		logger:    logger.WithName("state"),
		store:     store,
		listener:  listener,
		cache:     ttlcache.New(ttlcache.WithTTL[string, *clientState](expiry)),
		retryable: retryable,
		retry:     retryConfig,
	}
}

// acquire returns the locked state of a client, loading it from the store
// on first access. The caller must unlock it.
func (c *stateCache) acquire(ctx context.Context, clientID string) (cs *clientState, err error) {
	if err = storage.ValidateClientID(clientID); err != nil {
		return
	}
	item, _ := c.cache.GetOrSet(clientID, &clientState{})
	cs = item.Value()
	cs.mu.Lock()
	if cs.loaded {
		return
	}

	var state upstate.State
	state, err = c.store.GetState(ctx, clientID)
	switch {
	case errors.Is(err, storage.ErrStateNotExists):
		err = nil
		state = upstate.NewState(clientID)
		c.logger.V(1).Info("new client", "clientID", clientID)
		c.listener.OnNewClient(clientID)
	case err != nil:
		cs.mu.Unlock()
		cs = nil
		return
	default:
		c.logger.V(1).Info("client back", "clientID", clientID, "uploads", len(state.Records))
		c.listener.OnClientBack(clientID)
	}
	cs.state = state
	cs.loaded = true
	return
}

// view returns a copy of the state of a client.
func (c *stateCache) view(ctx context.Context, clientID string) (state upstate.State, err error) {
	var cs *clientState
	if cs, err = c.acquire(ctx, clientID); err != nil {
		return
	}
	defer cs.mu.Unlock()
	return cs.state.Clone(), nil
}

// get returns the record of an upload of a client.
func (c *stateCache) get(ctx context.Context, clientID, fileID string) (rec upstate.Record, err error) {
	var cs *clientState
	if cs, err = c.acquire(ctx, clientID); err != nil {
		return
	}
	defer cs.mu.Unlock()
	if rec, err = cs.state.Get(fileID); err != nil {
		err = ErrUploadNotFound
	}
	return
}

// cached returns the record of an upload without loading anything.
func (c *stateCache) cached(clientID, fileID string) (rec upstate.Record, ok bool) {
	item := c.cache.Get(clientID, ttlcache.WithDisableTouchOnHit[string, *clientState]())
	if item == nil {
		return
	}
	cs := item.Value()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rec, err := cs.state.Get(fileID)
	return rec, err == nil
}

// update applies fn to a copy of the state of a client. When fn succeeds
// the copy replaces the in-memory state and is persisted; a persistence
// failure is logged and the state stays in memory until a later write
// succeeds.
func (c *stateCache) update(ctx context.Context, clientID string, fn func(state *upstate.State) error) (err error) {
	var cs *clientState
	if cs, err = c.acquire(ctx, clientID); err != nil {
		return
	}
	defer cs.mu.Unlock()

	next := cs.state.Clone()
	if err = fn(&next); err != nil {
		return
	}
	cs.state = next
	c.save(context.WithoutCancel(ctx), clientID, cs)
	return
}

// save persists the state of cs, which must be locked. The entry is pinned
// in the cache until the write succeeds.
func (c *stateCache) save(ctx context.Context, clientID string, cs *clientState) {
	if !cs.dirty {
		cs.dirty = true
		c.cache.Set(clientID, cs, ttlcache.NoTTL)
	}
	if err := c.persist(ctx, clientID, cs.state.Clone()); err != nil {
		return
	}
	cs.dirty = false
	c.cache.Set(clientID, cs, ttlcache.DefaultTTL)
}

// flush retries the persistence of every dirty state.
func (c *stateCache) flush(ctx context.Context) {
	for clientID, item := range c.cache.Items() {
		cs := item.Value()
		cs.mu.Lock()
		if cs.dirty {
			c.save(ctx, clientID, cs)
		}
		cs.mu.Unlock()
	}
}

// drop removes a client from the store and from memory.
func (c *stateCache) drop(ctx context.Context, clientID string) (err error) {
	var cs *clientState
	if cs, err = c.acquire(ctx, clientID); err != nil {
		return
	}
	defer cs.mu.Unlock()
	cs.state = upstate.NewState(clientID)
	c.cache.Delete(clientID)
	return c.store.DeleteAll(context.WithoutCancel(ctx), clientID)
}

func (c *stateCache) persist(ctx context.Context, clientID string, state upstate.State) (err error) {
	persistFn := func() error {
		return c.store.Persist(ctx, clientID, state)
	}

	if !c.retryable {
		err = persistFn()
	} else {
		err = retry.Do(
			persistFn,
			retry.Context(ctx),
			retry.Delay(c.retry.InitialDelay),
			retry.MaxDelay(c.retry.MaxDelay),
			retry.Attempts(uint(c.retry.MaxRetryAttempts)),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				c.logger.Info("retrying state persistence",
					"clientID", clientID,
					"errorMessage", err.Error(),
					"retryAttempts", n+1)
			}),
		)
	}
	if err != nil {
		c.logger.Error(err, "failed to persist upload state, keeping it in memory", "clientID", clientID)
	}
	return
}
