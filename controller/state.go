package controller

import (
	"sync"

	"github.com/cyberinferno/ecos-remote/wire"
)

// State is a snapshot of everything a front end displays. Slices are copies;
// mutating them does not affect the controller.
type State struct {
	Trains          []wire.Train
	SelectedTrainID *int
	Functions       []wire.TrainFunction
	Speed           int
	Direction       wire.Direction
	Stopped         bool
	Connected       bool
	// Status is the whole status log, one line per row.
	Status string
}

func (s State) clone() State {
	out := s
	if s.Trains != nil {
		out.Trains = append([]wire.Train(nil), s.Trains...)
	}
	if s.Functions != nil {
		out.Functions = append([]wire.TrainFunction(nil), s.Functions...)
	}
	if s.SelectedTrainID != nil {
		id := *s.SelectedTrainID
		out.SelectedTrainID = &id
	}

	return out
}

// notifier fans snapshots out to subscribers from one goroutine, so every
// subscriber observes changes in the order they were made. A subscriber that
// falls behind loses intermediate snapshots but always ends with the latest.
type notifier struct {
	snapshot func() State

	mu     sync.Mutex
	subs   map[int]chan State
	nextID int

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newNotifier(snapshot func() State) *notifier {
	n := &notifier{
		snapshot: snapshot,
		subs:     make(map[int]chan State),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	n.wg.Add(1)
	go n.run()

	return n
}

func (n *notifier) subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan State, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(ch)
			}
		})
	}

	n.changed()
	return ch, cancel
}

// changed schedules a fan-out; calls made while one is pending coalesce.
func (n *notifier) changed() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stop:
			return
		case <-n.kick:
			n.publish(n.snapshot())
		}
	}
}

func (n *notifier) publish(st State) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- st.clone():
			continue
		default:
		}

		// Full: replace the oldest pending snapshot with this one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st.clone():
		default:
		}
	}
}

func (n *notifier) close() {
	close(n.stop)
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
