// Package network tracks whether the remote system is reachable.
//
// State changes come from platform pushes (Notify) and from a periodic
// re-check through a Prober. Listeners only hear about edges: a repeated
// report of the current state does nothing.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/stockroom/backend/internal/logging"
)

// Prober checks connectivity once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProber reports online when a HEAD request to URL gets any HTTP response.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProber creates an HTTPProber with its own client.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		URL:     url,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor holds the Online/Offline state.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu       sync.RWMutex
	online   bool
	started  bool
	onOnline []func()
	onOff    []func()

	// serializes transitions so listeners see edges in order
	transition sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. A zero interval defaults to 30s.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
	}
}

// OnOnline registers fn for Offline to Online transitions.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers fn for Online to Offline transitions.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOff = append(m.onOff, fn)
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Start probes once to set the initial state, without firing listeners, and
// then re-checks every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) bool {
	m.mu.Lock()
	if m.started {
		online := m.online
		m.mu.Unlock()
		return online
	}
	m.started = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	online := m.prober != nil && m.prober.Probe(ctx)
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()

	logging.Info("Network monitor started", map[string]interface{}{"online": online})

	m.wg.Add(1)
	go m.recheckLoop(ctx, stopCh)
	return online
}

// Stop ends the periodic re-check.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

// Notify applies a connectivity report from the platform.
func (m *Monitor) Notify(online bool) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var listeners []func()
	if online {
		listeners = append(listeners, m.onOnline...)
	} else {
		listeners = append(listeners, m.onOff...)
	}
	m.mu.Unlock()

	if online {
		logging.Info("Network online", nil)
	} else {
		logging.Warn("Network offline", nil)
	}
	for _, fn := range listeners {
		fn()
	}
}

// Recheck probes now and applies the result.
func (m *Monitor) Recheck(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	online := m.prober.Probe(ctx)
	m.Notify(online)
	return online
}

func (m *Monitor) recheckLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Recheck(ctx)
		}
	}
}
