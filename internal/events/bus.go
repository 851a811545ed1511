package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus fans progress events out to subscribers. Publish never blocks: every subscriber owns an
// unbounded mailbox drained by its own goroutine, so a slow consumer delays only itself and
// still sees its job's events in publish order.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
	sinks  sync.WaitGroup
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Publish stamps ev with a sequence number and time and queues it for every interested
// subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	for s := range b.subs {
		if s.jobID == "" || s.jobID == ev.JobID {
			s.push(ev)
		}
	}
}

// Subscribe streams the events of one job. backlog is delivered first; the stream closes
// after the job's job_completed or job_halted event.
func (b *Bus) Subscribe(jobID string, backlog ...Event) *Subscription {
	return b.subscribe(jobID, backlog)
}

// SubscribeAll streams every job's events until Close.
func (b *Bus) SubscribeAll() *Subscription {
	return b.subscribe("", nil)
}

func (b *Bus) subscribe(jobID string, backlog []Event) *Subscription {
	s := &Subscription{
		bus:    b,
		jobID:  jobID,
		queue:  append([]Event(nil), backlog...),
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Attach forwards every event to sink until the bus closes. Sink failures are logged and
// never reach the pipeline.
func (b *Bus) Attach(sink Sink, logger *zap.Logger) {
	sub := b.SubscribeAll()
	b.sinks.Add(1)
	go func() {
		defer b.sinks.Done()
		defer sink.Close()
		for ev := range sub.C() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Send(ctx, ev); err != nil {
				logger.Warn("forward event", zap.String("sink", sink.Name()), zap.String("job_id", ev.JobID),
					zap.String("type", string(ev.Type)), zap.Error(err))
			}
			cancel()
		}
	}()
}

// Close ends every subscription and waits for sinks to drain what was already queued.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
	b.sinks.Wait()
}

// Subscription is one consumer's ordered mailbox.
type Subscription struct {
	bus    *Bus
	jobID  string
	mu     sync.Mutex
	queue  []Event
	ending bool
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// C yields events in publish order. It is closed when the stream ends.
func (s *Subscription) C() <-chan Event { return s.out }

// Close drops undelivered events and ends the stream.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
	s.bus.remove(s)
}

// finish ends the stream after everything already queued is delivered.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.ending = true
	s.mu.Unlock()
	s.wake()
	s.bus.remove(s)
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
		if s.jobID != "" && ev.Type.Terminal() {
			s.bus.remove(s)
			return
		}
	}
}
