package job

import "sync"

// EventType names a lifecycle notification.
type EventType string

const (
	EventCreated EventType = "created"
	EventChanged EventType = "changed"
	EventClosed  EventType = "closed"
)

// Event carries the job state as it was when the event was raised.
type Event struct {
	Type     EventType
	Snapshot Snapshot
}

type subscription struct {
	id int
	fn func(Event)
}

// dispatcher delivers the events of one execution attempt in order on its own
// goroutine. It stops after delivering EventClosed.
type dispatcher struct {
	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	done    chan struct{}
	deliver func(Event)
}

func newDispatcher(deliver func(Event)) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go d.run()
	return d
}

func (d *dispatcher) push(e Event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		if len(batch) == 0 {
			<-d.wake
			continue
		}
		for _, e := range batch {
			d.deliver(e)
			if e.Type == EventClosed {
				return
			}
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
