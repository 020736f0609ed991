package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errCheckFailed = errors.New("check failed")

// Pinger is anything that can prove it reaches its backend, such as a bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AddBusCheck adds a round trip check against the message bus.
func (h *HealthChecker) AddBusCheck(bus Pinger, interval, timeout time.Duration) {
	h.AddCheck("bus", func(ctx context.Context) (bool, error) {
		if err := bus.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddTransportCheck fails unless the signaling channel reports connected.
func (h *HealthChecker) AddTransportCheck(status func() string, interval, timeout time.Duration) {
	h.AddCheck("transport", func(ctx context.Context) (bool, error) {
		if s := status(); s != "connected" {
			return false, fmt.Errorf("transport %s", s)
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the node is ready to negotiate sessions.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
