// Package eventbus durably logs every state change and fans it out to live
// subscribers. Every publish is written as an Event (spec §3) inside the
// same transaction as the state change that produced it; subscribers that
// join late replay from the persistent log before switching to live tail.
package eventbus

import (
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/delegate-dev/delegate/internal/model"
	"github.com/delegate-dev/delegate/internal/store"
)

// subBufferSize bounds how far a slow subscriber can lag before it starts
// dropping live events (it can still recover via Replay on last_seen_sequence).
const subBufferSize = 64

// Bus durably appends events and pushes them to in-process subscribers.
// One Bus is shared by the whole daemon.
type Bus struct {
	db *store.DB

	mu   sync.Mutex
	subs map[string]map[chan *model.Event]struct{} // team id -> set of subscriber channels
}

// New wraps db with a live subscriber fan-out.
func New(db *store.DB) *Bus {
	return &Bus{
		db:   db,
		subs: make(map[string]map[chan *model.Event]struct{}),
	}
}

// Publish appends an event inside tx and does not notify live subscribers.
// Callers pass the same tx used for the state change the event describes;
// live fan-out is a separate Notify call after commit (or the func
// PublishAndNotify returns), since a send to a channel cannot be rolled
// back.
func (b *Bus) Publish(tx *sql.Tx, teamID, kind string, payload any) (*model.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b.db.Events().Append(tx, teamID, kind, string(data))
}

// Notify pushes an already-committed event to live subscribers of its team.
// Call this after the transaction that produced ev has committed.
func (b *Bus) Notify(ev *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.TeamID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher. The
			// subscriber's next Replay call (driven by last_seen_sequence)
			// catches it back up from the durable log.
		}
	}
}

// PublishAndNotify is the common case: append inside tx, and have the
// caller invoke the returned func after a successful commit to fan the
// event out live. Kept separate from Publish so callers that roll back
// never notify a subscriber about an event that never happened.
func (b *Bus) PublishAndNotify(tx *sql.Tx, teamID, kind string, payload any) (*model.Event, func(), error) {
	ev, err := b.Publish(tx, teamID, kind, payload)
	if err != nil {
		return nil, nil, err
	}
	return ev, func() { b.Notify(ev) }, nil
}

// Subscribe registers a live feed for a team. The returned cancel func must
// be called once the subscriber disconnects, or the channel leaks.
func (b *Bus) Subscribe(teamID string) (<-chan *model.Event, func()) {
	ch := make(chan *model.Event, subBufferSize)

	b.mu.Lock()
	set, ok := b.subs[teamID]
	if !ok {
		set = make(map[chan *model.Event]struct{})
		b.subs[teamID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[teamID], ch)
		if len(b.subs[teamID]) == 0 {
			delete(b.subs, teamID)
		}
		close(ch)
	}
	return ch, cancel
}

// Replay returns every event for a team strictly after lastSeen, in order.
// Subscribers call this once before switching to the live channel so no
// event is missed across the handoff (spec §4.8).
func (b *Bus) Replay(teamID string, lastSeen int64) ([]*model.Event, error) {
	const page = 500
	var all []*model.Event
	for {
		events, err := b.db.Events().Since(teamID, lastSeen, page)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
		if len(events) < page {
			return all, nil
		}
		lastSeen = events[len(events)-1].Seq
	}
}
