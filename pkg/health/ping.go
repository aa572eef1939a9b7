package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/agentcore/pkg/transport"
)

// PingChecker implements Checker by sending a Ping on a transport.MasterLink
// and waiting for the matching Pong. It is the periodic ping-reply
// liveness probe used once the agent is registered.
//
// A failed Check only reports an unhealthy Result; Status.Update turns a
// run of Config.Retries consecutive failures into Status.Healthy=false.
// Neither changes the agent's registration state.
type PingChecker struct {
	link    transport.MasterLink
	timeout time.Duration
	nonce   uint64
}

// NewPingChecker creates a PingChecker bound to link, waiting up to timeout
// for each Pong.
func NewPingChecker(link transport.MasterLink, timeout time.Duration) *PingChecker {
	return &PingChecker{link: link, timeout: timeout}
}

// Check sends one Ping and waits for its Pong, draining and discarding any
// unrelated message received in the meantime — this checker only owns the
// liveness round-trip, not general master-message dispatch, which is the
// agent actor's job.
func (c *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	c.nonce++
	nonce := c.nonce

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.link.Send(sendCtx, transport.Ping{Nonce: nonce}); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("send ping: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	deadline := time.After(c.timeout)
	for {
		select {
		case msg := <-c.link.Recv():
			pong, ok := msg.(transport.Pong)
			if !ok || pong.Nonce != nonce {
				continue
			}
			return Result{
				Healthy:   true,
				Message:   "pong received",
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		case <-deadline:
			return Result{
				Healthy:   false,
				Message:   "pong timeout",
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		case <-ctx.Done():
			return Result{
				Healthy:   false,
				Message:   ctx.Err().Error(),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
	}
}

// Type reports this checker's kind, CheckTypePing, the only CheckType
// this package defines.
func (c *PingChecker) Type() CheckType {
	return CheckTypePing
}
