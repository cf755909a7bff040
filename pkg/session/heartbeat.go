package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
	"github.com/ZentaChain/zentalk-peer/pkg/protocol"
	"github.com/ZentaChain/zentalk-peer/pkg/transport"
)

// Monitor sends periodic heartbeats and detects a silent peer. It never
// closes the transport; OnTimeout leaves that to the caller.
type Monitor struct {
	mu sync.Mutex

	sender   *transport.SafeSender
	interval time.Duration
	timeout  time.Duration

	lastAlive time.Time
	running   bool
	stop      chan struct{}
	onTimeout func()

	log *logrus.Entry
}

// NewMonitor creates a stopped monitor
func NewMonitor(sender *transport.SafeSender, cfg *config.Config, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		sender:   sender,
		interval: cfg.HeartbeatInterval,
		timeout:  cfg.HeartbeatTimeout,
		log:      logger.WithField("component", "heartbeat"),
	}
}

// SetOnTimeout sets the timeout callback
func (m *Monitor) SetOnTimeout(fn func()) {
	m.mu.Lock()
	m.onTimeout = fn
	m.mu.Unlock()
}

// Start begins the heartbeat loop. Starting a running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.lastAlive = time.Now()
	m.stop = make(chan struct{})

	go m.loop(m.stop)
}

// Stop ends the heartbeat loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
}

// Running reports whether the loop is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// MarkAlive resets the liveness clock
func (m *Monitor) MarkAlive() {
	m.mu.Lock()
	m.lastAlive = time.Now()
	m.mu.Unlock()
}

// LastAlive returns when the peer last answered
func (m *Monitor) LastAlive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAlive
}

// HandleEnvelope consumes heartbeat envelopes, answering each Heartbeat
func (m *Monitor) HandleEnvelope(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.MsgTypeHeartbeat:
		m.MarkAlive()
		m.sender.SendEnvelope(protocol.NewHeartbeatResponse())
	case protocol.MsgTypeHeartbeatResponse:
		m.MarkAlive()
	default:
		return false
	}
	return true
}

func (m *Monitor) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.tick(stop) {
				return
			}
		}
	}
}

// tick checks liveness, then sends a heartbeat. Returns false once timed out.
func (m *Monitor) tick(stop chan struct{}) bool {
	m.mu.Lock()
	// Stopped while the tick was pending
	if !m.running || m.stop != stop {
		m.mu.Unlock()
		return false
	}

	silence := time.Since(m.lastAlive)
	if silence > m.timeout {
		m.running = false
		close(m.stop)
		cb := m.onTimeout
		m.mu.Unlock()

		m.log.WithField("silence", silence.Round(time.Millisecond)).Warn("Heartbeat timeout")
		if cb != nil {
			cb()
		}
		return false
	}
	m.mu.Unlock()

	if !m.sender.SendEnvelope(protocol.NewHeartbeat()) {
		m.log.Debug("Heartbeat not sent")
	}
	return true
}
