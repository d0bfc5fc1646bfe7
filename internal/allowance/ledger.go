package allowance

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultRequestExpiry = 10 * time.Minute
	DefaultClientExpiry  = 2 * time.Minute
)

// InactivityListener is notified when a client scope expires.
type InactivityListener interface {
	OnClientInactivity(clientID string, inactivity time.Duration)
}

// Ledger holds the request, client and master scopes. Request and client
// scopes are created on first access and expire after a period without
// access.
type Ledger struct {
	logger logr.Logger

	requests *ttlcache.Cache[string, *Scope]
	clients  *ttlcache.Cache[string, *Scope]
	master   *Scope

	clientExpiry time.Duration
}

// NewLedger creates a ledger. Call Start to run the expiration loop.
func NewLedger(
	logger logr.Logger,
	requestExpiry, clientExpiry time.Duration,
	listener InactivityListener,
) (l *Ledger) {
	if requestExpiry <= 0 {
		requestExpiry = DefaultRequestExpiry
	}
	if clientExpiry <= 0 {
		clientExpiry = DefaultClientExpiry
	}
	l = &Ledger{
		logger:       logger.WithName("allowance"),
		requests:     ttlcache.New(ttlcache.WithTTL[string, *Scope](requestExpiry)),
		clients:      ttlcache.New(ttlcache.WithTTL[string, *Scope](clientExpiry)),
		master:       NewScope(),
		clientExpiry: clientExpiry,
	}

	l.clients.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Scope]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		l.logger.V(1).Info("client scope expired", "clientID", item.Key())
		if listener != nil {
			listener.OnClientInactivity(item.Key(), l.clientExpiry)
		}
	})
	l.requests.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Scope]) {
		if reason == ttlcache.EvictionReasonExpired {
			l.logger.V(1).Info("request scope expired", "fileID", item.Key())
		}
	})
	return
}

// Start runs the expiration loops until Stop is called.
func (l *Ledger) Start() {
	go l.requests.Start()
	go l.clients.Start()
}

// Stop ends the expiration loops.
func (l *Ledger) Stop() {
	l.requests.Stop()
	l.clients.Stop()
}

// Request returns the scope of an upload, creating it on miss.
func (l *Ledger) Request(fileID string) *Scope {
	item, _ := l.requests.GetOrSet(fileID, NewScope())
	return item.Value()
}

// Client returns the scope of a client, creating it on miss.
func (l *Ledger) Client(clientID string) *Scope {
	item, _ := l.clients.GetOrSet(clientID, NewScope())
	return item.Value()
}

// Master returns the server wide scope.
func (l *Ledger) Master() *Scope {
	return l.master
}

// LookupRequest returns the scope of an upload without creating it.
func (l *Ledger) LookupRequest(fileID string) (*Scope, bool) {
	item := l.requests.Get(fileID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Touch extends the lifetime of the scopes of a running upload.
func (l *Ledger) Touch(fileID, clientID string) {
	l.requests.Touch(fileID)
	l.clients.Touch(clientID)
}

// ForgetRequest drops the scope of an upload.
func (l *Ledger) ForgetRequest(fileID string) {
	l.requests.Delete(fileID)
}

// AssignRate sets the rate override of an upload. It takes effect on the
// next refill.
func (l *Ledger) AssignRate(fileID string, kbps int64) {
	l.Request(fileID).SetRate(kbps)
}

// Remaining returns the allowance left for an upload in the current tick.
func (l *Ledger) Remaining(fileID string) int64 {
	return l.Request(fileID).Remaining()
}

// Consume takes n bytes from an upload scope.
func (l *Ledger) Consume(fileID string, n int64) {
	l.Request(fileID).Consume(n)
}

// RangeRequests calls fn for each live request scope.
func (l *Ledger) RangeRequests(fn func(fileID string, s *Scope) bool) {
	l.requests.Range(func(item *ttlcache.Item[string, *Scope]) bool {
		return fn(item.Key(), item.Value())
	})
}

// RangeClients calls fn for each live client scope.
func (l *Ledger) RangeClients(fn func(clientID string, s *Scope) bool) {
	l.clients.Range(func(item *ttlcache.Item[string, *Scope]) bool {
		return fn(item.Key(), item.Value())
	})
}
