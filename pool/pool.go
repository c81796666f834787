// Package pool provides the default connection provider: a per-target idle
// pool over plain TCP/TLS dials. The engine only ever sees its
// acquire/release/invalidate surface; eviction is a simple idle timeout.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/lifecycle"
	"github.com/redial-dev/redial/oneshot"
)

// Pool is a client.Provider backed by per-target idle connection lists.
// Fields may be adjusted before first use; afterwards the pool owns them.
type Pool struct {
	DialTimeout time.Duration
	IdleTimeout time.Duration
	// MaxPerTarget limits total connections (idle plus in-use) per pool
	// key. Zero means unlimited.
	MaxPerTarget int
	Log          zerolog.Logger

	mu    sync.Mutex
	idle  map[string][]*idleConn
	conns map[string]int
	once  sync.Once
	stop  chan struct{}
}

type idleConn struct {
	raw     net.Conn
	br      *bufio.Reader
	lastUse time.Time
}

// New returns a pool with the usual defaults.
func New() *Pool {
	return &Pool{
		DialTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
		Log:         zerolog.Nop(),
		idle:        make(map[string][]*idleConn),
		conns:       make(map[string]int),
	}
}

// Acquire implements client.Provider. The returned one-shot yields exactly
// one configured connection or one failure; the observer chain sees
// INITIALIZED (fresh dials only) and CONFIGURED for the delivered
// connection.
func (p *Pool) Acquire(ctx context.Context, cfg client.Config, obs lifecycle.Observer, key client.RequestKey, resolver client.AddressResolver) *oneshot.Result[*client.Conn] {
	p.once.Do(p.start)
	res := oneshot.New[*client.Conn]()
	go func() {
		addr := key.Addr()
		if resolver != nil && !key.Proxied() {
			resolved, err := resolver.Resolve(ctx, addr)
			if err != nil {
				res.Fail(fmt.Errorf("resolve %s: %w", addr, err))
				return
			}
			addr = resolved
		}
		pkey := poolKey(cfg, addr)
		entry, fresh, err := p.get(ctx, pkey, addr, cfg, key)
		if err != nil {
			p.Log.Debug().Err(err).Str("target", pkey).Msg("acquire failed")
			res.Fail(err)
			return
		}

		var conn *client.Conn
		release := func(reuse bool) {
			if reuse {
				p.put(pkey, &idleConn{raw: conn.Transport(), br: conn.ReadBuffer(), lastUse: time.Now()})
				return
			}
			p.drop(pkey, conn.Transport())
		}
		conn = client.NewConn(entry.raw, entry.br, p.Log, release)
		conn.SetObserver(obs)
		if !res.Complete(conn) {
			conn.Dispose()
			return
		}
		if fresh {
			obs.OnStateChange(conn, lifecycle.StateInitialized)
		}
		obs.OnStateChange(conn, lifecycle.StateConfigured)
	}()
	return res
}

func poolKey(cfg client.Config, addr string) string {
	if cfg.TLS != nil {
		return "tls://" + addr
	}
	return "tcp://" + addr
}

func (p *Pool) get(ctx context.Context, pkey, addr string, cfg client.Config, key client.RequestKey) (*idleConn, bool, error) {
	p.mu.Lock()
	if list := p.idle[pkey]; len(list) > 0 {
		entry := list[len(list)-1]
		p.idle[pkey] = list[:len(list)-1]
		p.mu.Unlock()
		return entry, false, nil
	}
	if p.MaxPerTarget > 0 && p.conns[pkey] >= p.MaxPerTarget {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("pool: connection limit reached for %s", pkey)
	}
	p.conns[pkey]++
	p.mu.Unlock()

	d := net.Dialer{Timeout: p.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err == nil && cfg.TLS != nil {
		raw, err = cfg.TLS.Wrap(raw, key.Endpoint().Host(), cfg.ALPNProtos())
	}
	if err != nil {
		p.mu.Lock()
		p.conns[pkey]--
		p.mu.Unlock()
		return nil, false, err
	}
	return &idleConn{raw: raw, br: nil, lastUse: time.Now()}, true, nil
}

func (p *Pool) put(pkey string, entry *idleConn) {
	p.mu.Lock()
	p.idle[pkey] = append(p.idle[pkey], entry)
	p.mu.Unlock()
}

func (p *Pool) drop(pkey string, raw net.Conn) {
	if raw != nil {
		_ = raw.Close()
	}
	p.mu.Lock()
	if p.conns[pkey] > 0 {
		p.conns[pkey]--
	}
	p.mu.Unlock()
}

func (p *Pool) start() {
	p.mu.Lock()
	if p.idle == nil {
		p.idle = make(map[string][]*idleConn)
	}
	if p.conns == nil {
		p.conns = make(map[string]int)
	}
	p.stop = make(chan struct{})
	p.mu.Unlock()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.prune()
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Pool) prune() {
	if p.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for pkey, list := range p.idle {
		kept := list[:0]
		for _, entry := range list {
			if now.Sub(entry.lastUse) > p.IdleTimeout {
				_ = entry.raw.Close()
				if p.conns[pkey] > 0 {
					p.conns[pkey]--
				}
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(p.idle, pkey)
		} else {
			p.idle[pkey] = kept
		}
	}
}

// CloseIdle closes every idle connection immediately.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	for pkey, list := range p.idle {
		for _, entry := range list {
			_ = entry.raw.Close()
			if p.conns[pkey] > 0 {
				p.conns[pkey]--
			}
		}
		delete(p.idle, pkey)
	}
	p.mu.Unlock()
}

// Close stops the prune loop and closes idle connections. In-use
// connections are left to their owners.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
	p.CloseIdle()
}
