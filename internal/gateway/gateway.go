// Package gateway owns the adapter registry and the HTTP/WebSocket
// surface: it routes API calls to adapters by (platform, self_id) and fans
// every adapter's event stream out to authenticated subscribers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"satorigate/internal/adapter"
	"satorigate/internal/metrics"
	"satorigate/internal/satori"
)

// Control frame op codes on the event socket.
const (
	OpEvent    = 0
	OpPing     = 1
	OpPong     = 2
	OpIdentify = 3
	OpReady    = 4
)

var errBotNotFound = errors.New("bot not found")

type entry struct {
	adapter adapter.Adapter
	login   *satori.Login
}

// Gateway is the dispatcher core.
type Gateway struct {
	logger *slog.Logger
	token  string

	entries []entry // registry in configuration order

	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New creates a gateway protected by token ("" disables the bearer check).
func New(token string, logger *slog.Logger) *Gateway {
	return &Gateway{
		logger: logger.With("component", "gateway"),
		token:  token,
		subs:   map[string]*subscriber{},
	}
}

// Register resolves the adapter's login and appends it to the registry.
// Call once per configured bot, in configuration order, before Run.
func (g *Gateway) Register(ctx context.Context, ad adapter.Adapter) error {
	login, err := ad.GetLogin(ctx)
	if err != nil {
		return err
	}
	g.entries = append(g.entries, entry{adapter: ad, login: login})
	return nil
}

// Run starts one forwarding task per registered adapter and blocks until
// ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range g.entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			g.forward(ctx, e)
		}(&g.entries[i])
	}
	wg.Wait()
}

// forward drains one adapter's event queue and broadcasts each event to
// every authenticated subscriber.
func (g *Gateway) forward(ctx context.Context, e *entry) {
	for {
		evt, err := e.adapter.ReceiveEvent(ctx)
		if err != nil {
			return // ctx done
		}
		g.broadcast(evt)
	}
}

// broadcast fans an event out fire-and-forget: a slow subscriber loses
// frames instead of stalling the rest.
func (g *Gateway) broadcast(evt *satori.Event) {
	frame := frameJSON(OpEvent, evt)

	g.mu.RLock()
	targets := make([]*subscriber, 0, len(g.subs))
	for _, sub := range g.subs {
		if sub.authed() {
			targets = append(targets, sub)
		}
	}
	g.mu.RUnlock()

	for _, sub := range targets {
		sub.push(frame)
	}
	metrics.EventsForwarded.Inc()
}

// find routes (platform, selfID) to the owning adapter by linear scan of
// the cached login info; first match wins.
func (g *Gateway) find(platform, selfID string) (adapter.Adapter, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i := range g.entries {
		login := g.entries[i].login
		if login.Platform != nil && *login.Platform == platform &&
			login.SelfID != nil && *login.SelfID == selfID {
			return g.entries[i].adapter, nil
		}
	}
	return nil, errBotNotFound
}

// loginList aggregates every adapter's current login in registry order.
// Lookup failures fall back to the cached login so one flapping adapter
// does not break the list. The lock is never held across the RPC.
func (g *Gateway) loginList(ctx context.Context) []*satori.Login {
	logins := make([]*satori.Login, len(g.entries))
	for i := range g.entries {
		login, err := g.entries[i].adapter.GetLogin(ctx)
		if err != nil {
			g.logger.Warn("login lookup failed", "err", err)
			g.mu.RLock()
			login = g.entries[i].login
			g.mu.RUnlock()
		} else {
			g.mu.Lock()
			g.entries[i].login = login
			g.mu.Unlock()
		}
		logins[i] = login
	}
	return logins
}

func (g *Gateway) addSubscriber(sub *subscriber) {
	g.mu.Lock()
	g.subs[sub.id] = sub
	g.mu.Unlock()
	metrics.Subscribers.Set(int64(g.subscriberCount()))
}

func (g *Gateway) removeSubscriber(id string) {
	g.mu.Lock()
	delete(g.subs, id)
	g.mu.Unlock()
	metrics.Subscribers.Set(int64(g.subscriberCount()))
}

func (g *Gateway) subscriberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}
