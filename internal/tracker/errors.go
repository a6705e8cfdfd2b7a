package tracker

import "errors"

var (
	// ErrNilSink is returned by New when no sink is given.
	ErrNilSink = errors.New("tracker: nil sink")

	// ErrInvalidConfig is returned by New for a non-positive batch size or
	// flush interval, or a negative failed-bucket cap.
	ErrInvalidConfig = errors.New("tracker: invalid config")
)
