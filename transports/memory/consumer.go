package memory

import (
	"sync"

	"github.com/glimte/mmate-rpc/messaging"
)

// consumer forwards queued deliveries to its event channel on its own goroutine
type consumer struct {
	tag   string
	queue string

	mu      sync.Mutex
	pending []messaging.Delivery
	signal  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	final    *messaging.Event

	events chan messaging.Event
}

func newConsumer(tag, queue string) *consumer {
	return &consumer{
		tag:    tag,
		queue:  queue,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		events: make(chan messaging.Event),
	}
}

// Tag implements messaging.Subscription
func (c *consumer) Tag() string {
	return c.tag
}

// Events implements messaging.Subscription
func (c *consumer) Events() <-chan messaging.Event {
	return c.events
}

func (c *consumer) push(d messaging.Delivery) {
	c.mu.Lock()
	c.pending = append(c.pending, d)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *consumer) next() (messaging.Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return messaging.Delivery{}, false
	}
	d := c.pending[0]
	c.pending = c.pending[1:]
	return d, true
}

// halt stops the consumer. A non-nil final event is sent before the event
// channel is closed. Only the first call has an effect.
func (c *consumer) halt(final *messaging.Event) {
	c.stopOnce.Do(func() {
		c.final = final
		close(c.stop)
	})
}

func (c *consumer) run() {
	defer close(c.events)

	for {
		select {
		case <-c.stop:
			c.finish()
			return
		default:
		}

		d, ok := c.next()
		if !ok {
			select {
			case <-c.signal:
				continue
			case <-c.stop:
				c.finish()
				return
			}
		}

		select {
		case c.events <- messaging.Event{Kind: messaging.EventDelivery, ConsumerTag: c.tag, Delivery: d}:
		case <-c.stop:
			c.finish()
			return
		}
	}
}

func (c *consumer) finish() {
	if c.final != nil {
		c.events <- *c.final
	}
}
