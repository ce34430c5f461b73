package wire

import "fmt"

// EncodeListTrains returns the roster query.
func EncodeListTrains() string {
	return fmt.Sprintf("queryObjects(%d, name)\n", LocomotiveManagerID)
}

// EncodeGetFunctions returns the query for all function states of a train.
func EncodeGetFunctions(trainID int) string {
	return fmt.Sprintf("get(%d, func)\n", trainID)
}

// EncodeSetFunction returns the command that switches one function on or off.
func EncodeSetFunction(trainID, funcID int, value bool) string {
	return fmt.Sprintf("set(%d, func[%d, %d])\n", trainID, funcID, boolToInt(value))
}

// EncodeSetSpeed returns the speed command. Percent is clamped to 0..100.
func EncodeSetSpeed(trainID, percent int) string {
	return fmt.Sprintf("set(%d, speed[%d])\n", trainID, ClampSpeed(percent))
}

// EncodeSetDirection returns the direction command.
func EncodeSetDirection(trainID int, dir Direction) string {
	return fmt.Sprintf("set(%d, dir[%d])\n", trainID, int(dir))
}

// EncodeStopAll returns the layout-wide emergency stop.
func EncodeStopAll() string {
	return fmt.Sprintf("set(%d, stop)\n", StationID)
}

// EncodeStartAll returns the command that releases a layout-wide stop.
func EncodeStartAll() string {
	return fmt.Sprintf("set(%d, go)\n", StationID)
}

// EncodeGetSpeed returns the query for the current speed of a train.
func EncodeGetSpeed(trainID int) string {
	return fmt.Sprintf("get(%d, speed)\n", trainID)
}

// EncodeGetDirection returns the query for the current direction of a train.
func EncodeGetDirection(trainID int) string {
	return fmt.Sprintf("get(%d, dir)\n", trainID)
}

// ClampSpeed limits percent to the 0..100 range the station accepts.
func ClampSpeed(percent int) int {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	default:
		return percent
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}

	return 0
}

// EncodeGetStationStatus returns the query for the layout-wide stop state.
func EncodeGetStationStatus() string {
	return fmt.Sprintf("get(%d, status)\n", StationID)
}

// EncodeRequestView asks the station to send events about objectID on this
// connection.
func EncodeRequestView(objectID int) string {
	return fmt.Sprintf("request(%d, view)\n", objectID)
}

// EncodeReleaseView stops the events requested with EncodeRequestView.
func EncodeReleaseView(objectID int) string {
	return fmt.Sprintf("release(%d, view)\n", objectID)
}
