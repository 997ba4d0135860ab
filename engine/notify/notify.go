// Package notify implements SemanticQueue's optional doorbell notifier
// (SPEC_FULL.md §4.5) over NATS: a best-effort wake message published on
// enqueue. No worker in this module subscribes to it; the semantic queue's
// Drain loop polls AGFS regardless. AGFS remains the
// durable source of truth, so a missed or duplicate publish never breaks
// correctness. Grounded on the teacher's pkg/natsutil.Publish (typed
// JSON publish with OTel trace propagation).
package notify

import (
	"context"

	"github.com/nats-io/nats.go"

	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/natsutil"
)

// Subject is the doorbell channel a semanticqueue worker could subscribe
// to in order to wake early instead of waiting out its poll interval.
const Subject = "openviking.semanticqueue.wake"

type wakeMsg struct {
	URI string `json:"uri"`
}

// NatsNotifier publishes a wake message for u each time the semantic
// queue enqueues a job for u.
type NatsNotifier struct {
	nc *nats.Conn
}

// New wraps an established NATS connection as a Notifier.
func New(nc *nats.Conn) *NatsNotifier {
	return &NatsNotifier{nc: nc}
}

// Notify publishes u to Subject, best-effort: a publish failure is not
// propagated, since the queue's own polling loop is always correct on
// its own, just slower.
func (n *NatsNotifier) Notify(ctx context.Context, u vkuri.URI) {
	_ = natsutil.Publish(ctx, n.nc, Subject, wakeMsg{URI: string(u)})
}
