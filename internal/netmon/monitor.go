// Package netmon probes destination reachability and gates the
// scheduler. Probes are cheap and infrequent; in-flight transfers are
// never aborted on a transition, they fail naturally into backoff.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/metrics"
	"github.com/Maahir-AI-Robo/bagferry/internal/transfer"
)

// Gate is the scheduler surface the monitor drives.
type Gate interface {
	SetOnline(bool)
}

// Monitor periodically probes the destination's health endpoint.
type Monitor struct {
	client   *transfer.Client
	gate     Gate
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. The monitor starts pessimistic (offline) until
// the first successful probe.
func New(client *transfer.Client, gate Gate, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		client:   client,
		gate:     gate,
		interval: interval,
		timeout:  timeout,
	}
}

// Start begins probing. The first probe runs immediately so a reachable
// destination doesn't wait one full interval for dispatch to open.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.gate.SetOnline(false)
	metrics.NetworkReachable.Set(0)

	go func() {
		defer close(m.done)

		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts probing.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Online reports the last observed reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.client.Health(probeCtx)
	cancel()

	online := err == nil

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			slog.Info("destination reachable, resuming dispatch")
			metrics.NetworkReachable.Set(1)
		} else {
			slog.Warn("destination unreachable, pausing dispatch", "error", err)
			metrics.NetworkReachable.Set(0)
		}
		m.gate.SetOnline(online)
	}
}
