package program

import (
	"errors"
	"fmt"
)

// ErrInvalidScheduleCoordinate is returned for a week or day outside the
// program grid.
var ErrInvalidScheduleCoordinate = errors.New("invalid schedule coordinate")

// ScheduleError reports the offending coordinate.
type ScheduleError struct {
	Week      int
	Day       int
	Frequency int
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("%v: week=%d day=%d frequency=%d", ErrInvalidScheduleCoordinate, e.Week, e.Day, e.Frequency)
}

func (e *ScheduleError) Unwrap() error {
	return ErrInvalidScheduleCoordinate
}
