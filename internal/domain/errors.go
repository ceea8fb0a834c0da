package domain

import "errors"

var (
	// ErrWindowWidth is returned when the detector is handed a window that is
	// not exactly WindowWidth values wide.
	ErrWindowWidth = errors.New("detector window must be exactly 5 values wide")

	// ErrNotTimeAxis is returned when detection is requested along latitude
	// or longitude.
	ErrNotTimeAxis = errors.New("heatwave detection runs along the time axis only")

	// ErrShapeMismatch is returned when a field's values do not match its
	// coordinates, or two fields that must share a grid do not.
	ErrShapeMismatch = errors.New("field shape mismatch")

	// ErrUnknownCalendar is returned for CF calendars the time axis cannot decode.
	ErrUnknownCalendar = errors.New("unknown calendar")

	// ErrPercentile is returned for quantiles outside the open interval (0, 1).
	ErrPercentile = errors.New("percentile must be between 0 and 1")
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("not found")
