// Package wire encodes commands for the ECoS command station and decodes its
// reply bodies into typed records. It performs no I/O.
//
// Protocol Format:
//
//	Request:  queryObjects(10, name)\n
//	Reply:    <REPLY queryObjects(10, name)>
//	          1000 name["Big Boy"]
//	          <END 0 (OK)>
//	Event:    <EVENT 1000>
//	          1000 speed[42]
//	          <END 0 (OK)>
package wire

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPort is the TCP port the command station listens on.
const DefaultPort = 15471

// Object IDs with a fixed meaning on the station.
const (
	// LocomotiveManagerID is the object that lists all locomotives.
	LocomotiveManagerID = 10
	// StationID is the object that controls the whole layout (stop/go).
	StationID = 1
)

// Values of the station's status attribute.
const (
	StationStopped = "STOP"
	StationRunning = "GO"
)

// Train is one locomotive from the roster. Identity is ID.
type Train struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TrainFunction is the state of one function (light, horn, ...) of a train.
type TrainFunction struct {
	ID    int  `json:"id"`
	Value bool `json:"value"`
}

// Direction is the travel direction of a train.
type Direction int

const (
	// Forward is sent as dir[0].
	Forward Direction = iota
	// Reverse is sent as dir[1].
	Reverse
)

// String returns "forward" or "reverse".
func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}

	return "forward"
}

// ErrInvalidDirection is returned by ParseDirection for unknown input.
var ErrInvalidDirection = errors.New("invalid direction")

// ParseDirection accepts "forward"/"fwd"/"f"/"0" and "reverse"/"rev"/"r"/"1".
//
// Parameters:
//   - s: The user supplied direction
//
// Returns:
//   - The parsed Direction
//   - ErrInvalidDirection if s is not recognized
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "fwd", "f", "0":
		return Forward, nil
	case "reverse", "rev", "r", "1":
		return Reverse, nil
	default:
		return Forward, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}
