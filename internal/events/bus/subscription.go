package bus

import "github.com/nats-io/nats.go"

// natsSubscription adapts a NATS subscription to Subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the interest from the server.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
