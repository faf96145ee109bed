package events

import (
	"sync"
)

// GlobalIssueID is the special issue ID for subscribing to all events.
// Subscribers to this ID receive events for every task plus the global
// status and sync events.
const GlobalIssueID = "*"

// Publisher is the event fan-out the orchestrator components publish to
// and the API streams consume from.
type Publisher interface {
	// Publish delivers an event to subscribers of its issue and to
	// global subscribers.
	Publish(event Event)
	// Subscribe returns a channel receiving events for one issue, or
	// for everything when issueID is GlobalIssueID.
	Subscribe(issueID string) <-chan Event
	// Unsubscribe detaches and closes a subscription channel.
	Unsubscribe(issueID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher fans events out to in-process subscribers. Each
// subscription is a buffered channel; delivery never blocks, a
// subscriber that stops draining misses events instead of stalling
// the publisher.
type MemoryPublisher struct {
	mu         sync.RWMutex
	subs       map[string]map[chan Event]struct{}
	bufferSize int
	closed     bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subs:       make(map[string]map[chan Event]struct{}),
		bufferSize: 100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers the event to issue-scoped subscribers and, unless the
// event is itself global, to GlobalIssueID subscribers as well.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	p.deliver(p.subs[event.IssueID], event)
	if event.IssueID != GlobalIssueID {
		p.deliver(p.subs[GlobalIssueID], event)
	}
}

func (p *MemoryPublisher) deliver(set map[chan Event]struct{}, event Event) {
	for ch := range set {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscription for the issue. After Close it
// returns an already-closed channel so readers drain and exit.
func (p *MemoryPublisher) Subscribe(issueID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	set := p.subs[issueID]
	if set == nil {
		set = make(map[chan Event]struct{})
		p.subs[issueID] = set
	}
	set[ch] = struct{}{}
	return ch
}

// Unsubscribe detaches the subscription and closes its channel.
func (p *MemoryPublisher) Unsubscribe(issueID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.subs[issueID]
	for sub := range set {
		if (<-chan Event)(sub) == ch {
			delete(set, sub)
			close(sub)
			break
		}
	}
	if len(set) == 0 {
		delete(p.subs, issueID)
	}
}

// Close shuts the publisher down and closes every subscription channel.
// Further Publish and Close calls are no-ops; further Subscribe calls
// return closed channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for issueID, set := range p.subs {
		for ch := range set {
			close(ch)
		}
		delete(p.subs, issueID)
	}
}

// SubscriberCount returns the number of subscriptions for an issue.
func (p *MemoryPublisher) SubscriberCount(issueID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[issueID])
}

// NopPublisher discards everything. It stands in for the bus in tests
// and wherever a component tolerates running without one.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (p *NopPublisher) Publish(event Event) {}

func (p *NopPublisher) Subscribe(issueID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (p *NopPublisher) Unsubscribe(issueID string, ch <-chan Event) {}

func (p *NopPublisher) Close() {}

// PublishHelper wraps a Publisher with nil-safety and typed payload
// constructors, so components publish unconditionally and never build
// raw Events themselves.
type PublishHelper struct {
	publisher Publisher
}

// NewPublishHelper wraps p. A nil p makes every method a no-op.
func NewPublishHelper(p Publisher) *PublishHelper {
	return &PublishHelper{publisher: p}
}

// Publish sends an event to the underlying publisher.
func (ep *PublishHelper) Publish(ev Event) {
	if ep == nil || ep.publisher == nil {
		return
	}
	ep.publisher.Publish(ev)
}

// TaskUpdated publishes a task state change.
func (ep *PublishHelper) TaskUpdated(u TaskUpdate) {
	ep.Publish(NewEvent(EventTaskUpdated, u.IssueID, u))
}

// InvocationStarted publishes the start of an agent run.
func (ep *PublishHelper) InvocationStarted(u InvocationUpdate) {
	ep.Publish(NewEvent(EventInvocationStarted, u.IssueID, u))
}

// InvocationCompleted publishes the terminal outcome of an agent run.
func (ep *PublishHelper) InvocationCompleted(u InvocationUpdate) {
	ep.Publish(NewEvent(EventInvocationCompleted, u.IssueID, u))
}

// Status publishes an orchestrator status snapshot to all subscribers.
func (ep *PublishHelper) Status(u StatusUpdate) {
	ep.Publish(NewEvent(EventStatusUpdated, GlobalIssueID, u))
}

// SyncCompleted publishes the result of a tracker sync pass.
func (ep *PublishHelper) SyncCompleted(r SyncResult) {
	ep.Publish(NewEvent(EventSyncCompleted, GlobalIssueID, r))
}
