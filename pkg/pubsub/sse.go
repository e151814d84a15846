package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ritzau/buildwatch/pkg/logging"
)

// ErrClosed is returned after the publisher was closed
var ErrClosed = errors.New("publisher is closed")

// subscriberBuffer bounds the events queued for a slow subscriber
const subscriberBuffer = 100

// TopicConfig configures buffering behavior for a topic
type TopicConfig struct {
	BufferSize int  // Number of events to keep for new subscribers (0 = none)
	ReplayAll  bool // Replay every kept event instead of only the latest
}

// topic holds the subscribers and history of one topic
type topic struct {
	config  TopicConfig
	version int
	history []Event
	subs    map[*sseSubscription]struct{}
}

func (t *topic) record(e Event) {
	if t.config.BufferSize <= 0 {
		return
	}
	t.history = append(t.history, e)
	if n := len(t.history) - t.config.BufferSize; n > 0 {
		t.history = append(t.history[:0:0], t.history[n:]...)
	}
}

func (t *topic) replay() []Event {
	if len(t.history) == 0 {
		return nil
	}
	if t.config.ReplayAll {
		return t.history
	}
	return t.history[len(t.history)-1:]
}

// SSEPublisher implements Publisher for Server-Sent Events clients.
// Publishing never blocks: a subscriber that falls behind loses events.
type SSEPublisher struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

// NewSSEPublisher creates a new SSE-based publisher
func NewSSEPublisher() *SSEPublisher {
	return &SSEPublisher{topics: make(map[string]*topic)}
}

func (p *SSEPublisher) topicLocked(name string) *topic {
	t, ok := p.topics[name]
	if !ok {
		t = &topic{subs: make(map[*sseSubscription]struct{})}
		p.topics[name] = t
	}
	return t
}

// ConfigureTopic sets buffering configuration for a topic
func (p *SSEPublisher) ConfigureTopic(name string, config TopicConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topicLocked(name).config = config
}

// Subscribe creates a subscription that receives the topic's replayed history
// followed by new events. It ends when ctx is done or Close is called.
func (p *SSEPublisher) Subscribe(ctx context.Context, name string) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	t := p.topicLocked(name)
	sub := &sseSubscription{
		topic:     name,
		events:    make(chan Event, subscriberBuffer),
		publisher: p,
	}
	replay := t.replay()
	for _, e := range replay {
		sub.offer(e)
	}
	t.subs[sub] = struct{}{}
	if len(replay) > 0 {
		logging.Debug("Replayed events to new subscriber", "topic", name, "count", len(replay))
	}

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// Publish sends an event to all subscribers of a topic
func (p *SSEPublisher) Publish(name string, eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	t := p.topicLocked(name)
	t.version++
	event := Event{
		Topic:   name,
		Type:    eventType,
		Data:    payload,
		Version: t.version,
	}
	t.record(event)

	for sub := range t.subs {
		if !sub.offer(event) {
			logging.Warn("Subscriber is falling behind, dropping event", "topic", name, "type", eventType)
		}
	}
	return nil
}

// Close ends every subscription. Later calls to Subscribe and Publish fail.
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, t := range p.topics {
		for sub := range t.subs {
			close(sub.events)
		}
		t.subs = nil
	}
	return nil
}

// unsubscribe removes a subscription and closes its channel
func (p *SSEPublisher) unsubscribe(sub *sseSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		close(sub.events)
	}
}

// sseSubscription implements Subscription
type sseSubscription struct {
	topic     string
	events    chan Event
	publisher *SSEPublisher
	once      sync.Once
}

// offer queues an event without blocking. Callers hold the publisher lock.
func (s *sseSubscription) offer(e Event) bool {
	select {
	case s.events <- e:
		return true
	default:
		return false
	}
}

// Topic returns the subscription topic
func (s *sseSubscription) Topic() string {
	return s.topic
}

// Events returns the event channel, closed when the subscription ends
func (s *sseSubscription) Events() <-chan Event {
	return s.events
}

// Close ends the subscription
func (s *sseSubscription) Close() error {
	s.once.Do(func() { s.publisher.unsubscribe(s) })
	return nil
}

// WriteSSE writes one event in text/event-stream framing. The version becomes
// the event ID so that clients can tell which events they missed.
func WriteSSE(w io.Writer, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Version, event.Topic, payload)
	return err
}
