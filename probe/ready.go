package probe

import (
	"context"
	"time"

	"github.com/go-mysql-org/go-mysql-failover/endpoint"
	"github.com/go-mysql-org/go-mysql-failover/poll"
)

// WaitReady polls ep with SELECT 1 until it answers. Authentication
// failures abort the wait immediately.
func WaitReady(ctx context.Context, p Prober, ep endpoint.Endpoint, interval, timeout time.Duration) error {
	return poll.Until(ctx, "wait ready "+ep.Addr(), interval, timeout, func(ctx context.Context) error {
		_, err := p.Execute(ctx, ep, Query("", "SELECT 1"))
		if err == nil {
			return nil
		}
		if k, _ := KindOf(err); !k.Retryable() {
			return poll.Permanent(err)
		}
		return err
	})
}
