package session

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-peer/pkg/config"
)

// Backoff computes reconnect delays: min(Max, Base * Factor^attempts)
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// NewBackoff creates a backoff from config
func NewBackoff(cfg config.ReconnectConfig) Backoff {
	return Backoff{Base: cfg.Base, Factor: cfg.Factor, Max: cfg.Max}
}

// Delay returns the wait before reconnect attempt number attempts (from 0)
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	d := float64(b.Base) * math.Pow(b.Factor, float64(attempts))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// ConnectFunc runs one connection to completion. established reports
// whether the connection came up before it ended; a nil error means the
// caller ended it on purpose and no reconnect should follow.
type ConnectFunc func(ctx context.Context) (established bool, err error)

// Reconnect keeps calling connect, waiting Backoff.Delay between failures.
// The attempt counter resets after every established connection. A
// rejection by the peer is final.
func Reconnect(ctx context.Context, b Backoff, connect ConnectFunc, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("component", "reconnect")

	attempts := 0
	for {
		established, err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrHandshakeRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if established {
			attempts = 0
		}

		delay := b.Delay(attempts)
		attempts++

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempts,
			"delay":   delay,
		}).Warn("Connection lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
