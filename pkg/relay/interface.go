package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Relay is the subset of relay operations the ingester and DVM responder
// use. *nostr.Relay implements it directly; tests substitute a mock.
type Relay interface {
	Subscribe(ctx context.Context, filters nostr.Filters, opts ...nostr.SubscriptionOption) (*nostr.Subscription, error)
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, event nostr.Event) error
	Close() error
}

// Connector dials a relay URL. The default is nostr.RelayConnect; tests
// inject their own.
type Connector func(ctx context.Context, url string) (Relay, error)

// Connect is the production Connector.
func Connect(ctx context.Context, url string) (Relay, error) {
	return nostr.RelayConnect(ctx, url)
}
