package simulator

import (
	"sort"
	"sync"

	"github.com/cyberinferno/ecos-remote/wire"
)

// Locomotive is the simulated state of one train.
type Locomotive struct {
	ID        int
	Name      string
	Speed     int
	Direction wire.Direction
	Functions map[int]bool
}

func (l *Locomotive) clone() Locomotive {
	out := *l
	out.Functions = make(map[int]bool, len(l.Functions))
	for id, v := range l.Functions {
		out.Functions[id] = v
	}

	return out
}

// SortedFunctions returns the function states ordered by function ID.
func (l Locomotive) SortedFunctions() []wire.TrainFunction {
	fns := make([]wire.TrainFunction, 0, len(l.Functions))
	for id, v := range l.Functions {
		fns = append(fns, wire.TrainFunction{ID: id, Value: v})
	}

	sort.Slice(fns, func(i, j int) bool {
		return fns[i].ID < fns[j].ID
	})

	return fns
}

// Layout holds everything the simulated station knows. It is safe for
// concurrent use by all connections.
type Layout struct {
	mu          sync.RWMutex
	locos       map[int]*Locomotive
	stopped     bool
	resetOnStop bool
}

// NewLayout returns an empty, running layout.
func NewLayout() *Layout {
	return &Layout{locos: make(map[int]*Locomotive)}
}

// DemoLayout returns a layout with a few trains, used by the simulate command.
func DemoLayout() *Layout {
	l := NewLayout()
	l.AddTrain(1000, "Big Boy", 8)
	l.AddTrain(1001, "Flying Scotsman", 4)
	l.AddTrain(1002, "BR 218", 12)
	return l
}

// AddTrain adds or replaces a locomotive with functions 0..functions-1, all off.
//
// Parameters:
//   - id: The object ID; must not be a reserved station object
//   - name: Display name reported by the roster query
//   - functions: Number of functions the decoder has
func (l *Layout) AddTrain(id int, name string, functions int) {
	fns := make(map[int]bool, functions)
	for i := 0; i < functions; i++ {
		fns[i] = false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.locos[id] = &Locomotive{ID: id, Name: name, Functions: fns}
}

// SetResetOnStop makes a layout-wide stop switch every function off.
func (l *Layout) SetResetOnStop(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetOnStop = v
}

// Trains returns the roster ordered by ID.
func (l *Layout) Trains() []wire.Train {
	l.mu.RLock()
	defer l.mu.RUnlock()

	trains := make([]wire.Train, 0, len(l.locos))
	for _, loco := range l.locos {
		trains = append(trains, wire.Train{ID: loco.ID, Name: loco.Name})
	}

	sort.Slice(trains, func(i, j int) bool {
		return trains[i].ID < trains[j].ID
	})

	return trains
}

// Train returns a copy of one locomotive.
func (l *Layout) Train(id int) (Locomotive, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	loco, ok := l.locos[id]
	if !ok {
		return Locomotive{}, false
	}

	return loco.clone(), true
}

// Stopped reports whether the layout-wide stop is active.
func (l *Layout) Stopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}

// SetStopped activates or releases the layout-wide stop.
func (l *Layout) SetStopped(stopped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopped = stopped
	if stopped && l.resetOnStop {
		for _, loco := range l.locos {
			for id := range loco.Functions {
				loco.Functions[id] = false
			}
		}
	}
}

func (l *Layout) update(id int, fn func(loco *Locomotive) Status) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	loco, ok := l.locos[id]
	if !ok {
		return StatusUnknownID
	}

	return fn(loco)
}

// SetSpeed sets the speed of a train in percent.
func (l *Layout) SetSpeed(id, percent int) Status {
	if percent < 0 || percent > 100 {
		return StatusBadArgument
	}

	return l.update(id, func(loco *Locomotive) Status {
		loco.Speed = percent
		return StatusOK
	})
}

// SetDirection sets the direction of a train.
func (l *Layout) SetDirection(id int, dir wire.Direction) Status {
	return l.update(id, func(loco *Locomotive) Status {
		loco.Direction = dir
		return StatusOK
	})
}

// SetFunction switches one function of a train.
func (l *Layout) SetFunction(id, funcID int, value bool) Status {
	return l.update(id, func(loco *Locomotive) Status {
		if _, ok := loco.Functions[funcID]; !ok {
			return StatusBadArgument
		}

		loco.Functions[funcID] = value
		return StatusOK
	})
}
