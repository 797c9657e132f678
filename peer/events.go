package peer

import (
	"fmt"

	"github.com/hannahhoward/go-pubsub"
	"github.com/rs/zerolog/log"
)

// Event is published whenever the Pool's peer set changes, so callers
// outside the selection path (metrics, UIs) can observe it without
// polling. Wraps hannahhoward/go-pubsub: a typed event, a typed
// subscriber func, and a dispatch closure that type-asserts both sides.
type Event struct {
	Cluster int
	Peer    string // Peer.Key()
	Kind    EventKind
}

// EventKind identifies what happened to a peer.
type EventKind int

const (
	// EventDiscovered fires once per peer newly seen in a refresh.
	EventDiscovered EventKind = iota
	// EventLost fires once per peer dropped from a refresh.
	EventLost
	// EventFailed fires when MarkFailure is called for a peer.
	EventFailed
)

// SubscriberFn is the callback shape accepted by Subscribe.
type SubscriberFn func(Event)

type events struct {
	ps *pubsub.PubSub
}

func newEvents() *events {
	ps := pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt, ok := event.(Event)
		if !ok {
			return fmt.Errorf("peer: wrong type of event")
		}
		sub, ok := subFn.(SubscriberFn)
		if !ok {
			return fmt.Errorf("peer: wrong type of subscriber")
		}
		sub(evt)
		return nil
	})
	return &events{ps: ps}
}

// Subscribe registers fn for every future peer lifecycle event. The
// returned func unsubscribes.
func (p *Pool) Subscribe(fn SubscriberFn) pubsub.Unsubscribe {
	return p.events.ps.Subscribe(fn)
}

func (p *Pool) publish(evt Event) {
	if err := p.events.ps.Publish(evt); err != nil {
		log.Warn().Err(err).Msg("s2s peer event publish failed")
	}
}
