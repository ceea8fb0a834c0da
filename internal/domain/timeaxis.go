package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Calendar is a CF-convention calendar name.
type Calendar string

const (
	CalendarStandard           Calendar = "standard"
	CalendarGregorian          Calendar = "gregorian"
	CalendarProlepticGregorian Calendar = "proleptic_gregorian"
	CalendarNoLeap             Calendar = "noleap"
	Calendar365Day             Calendar = "365_day"
	CalendarAllLeap            Calendar = "all_leap"
	Calendar366Day             Calendar = "366_day"
)

var (
	monthDaysCommon = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	monthDaysLeap   = [12]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
)

// TimeStep is one decoded value of the time coordinate.
type TimeStep struct {
	// Offset is the raw coordinate value, in the axis units.
	Offset float64 `json:"offset"`
	Year   int     `json:"year"`
	// DayOfYear is 1-based in the dataset calendar.
	DayOfYear int `json:"day_of_year"`
	// Time is the nearest real date. For non-Gregorian calendars it is
	// built from the calendar's own month and day.
	Time time.Time `json:"time"`
}

// TimeAxis decodes CF time coordinates such as "days since 1850-01-01".
type TimeAxis struct {
	Units    string
	Calendar Calendar
	unit     time.Duration
	epoch    civilDate
}

type civilDate struct {
	year, month, day     int
	hour, minute, second int
}

// ParseTimeAxis parses CF units and calendar attributes. An empty calendar
// means standard.
func ParseTimeAxis(units, calendar string) (TimeAxis, error) {
	cal := Calendar(strings.ToLower(strings.TrimSpace(calendar)))
	if cal == "" {
		cal = CalendarStandard
	}
	switch cal {
	case CalendarStandard, CalendarGregorian, CalendarProlepticGregorian,
		CalendarNoLeap, Calendar365Day, CalendarAllLeap, Calendar366Day:
	default:
		return TimeAxis{}, fmt.Errorf("%w: %q", ErrUnknownCalendar, calendar)
	}

	fields := strings.Fields(units)
	if len(fields) < 3 || strings.ToLower(fields[1]) != "since" {
		return TimeAxis{}, fmt.Errorf("parse time units %q: want \"<unit> since <date>\"", units)
	}

	var unit time.Duration
	switch strings.ToLower(fields[0]) {
	case "days", "day", "d":
		unit = 24 * time.Hour
	case "hours", "hour", "hrs", "hr", "h":
		unit = time.Hour
	case "minutes", "minute", "mins", "min":
		unit = time.Minute
	case "seconds", "second", "secs", "sec", "s":
		unit = time.Second
	default:
		return TimeAxis{}, fmt.Errorf("parse time units %q: unsupported unit %q", units, fields[0])
	}

	epoch, err := parseCivilDate(fields[2:])
	if err != nil {
		return TimeAxis{}, fmt.Errorf("parse time units %q: %w", units, err)
	}

	return TimeAxis{Units: units, Calendar: cal, unit: unit, epoch: epoch}, nil
}

// parseCivilDate accepts "YYYY-M-D" with an optional "hh:mm[:ss[.f]]" part,
// either as a separate field or joined with "T".
func parseCivilDate(parts []string) (civilDate, error) {
	datePart, timePart := parts[0], ""
	if i := strings.IndexByte(datePart, 'T'); i >= 0 {
		datePart, timePart = datePart[:i], datePart[i+1:]
	} else if len(parts) > 1 {
		timePart = parts[1]
	}
	timePart = strings.TrimSuffix(timePart, "Z")

	ymd := strings.Split(datePart, "-")
	if len(ymd) != 3 {
		return civilDate{}, fmt.Errorf("invalid date %q", datePart)
	}
	var d civilDate
	var err error
	if d.year, err = strconv.Atoi(ymd[0]); err != nil {
		return civilDate{}, fmt.Errorf("invalid year %q", ymd[0])
	}
	if d.month, err = strconv.Atoi(ymd[1]); err != nil || d.month < 1 || d.month > 12 {
		return civilDate{}, fmt.Errorf("invalid month %q", ymd[1])
	}
	if d.day, err = strconv.Atoi(ymd[2]); err != nil || d.day < 1 || d.day > 31 {
		return civilDate{}, fmt.Errorf("invalid day %q", ymd[2])
	}

	if timePart != "" {
		hms := strings.Split(timePart, ":")
		vals := [3]int{}
		for i := 0; i < len(hms) && i < 3; i++ {
			f, err := strconv.ParseFloat(hms[i], 64)
			if err != nil {
				return civilDate{}, fmt.Errorf("invalid time %q", timePart)
			}
			vals[i] = int(f)
		}
		d.hour, d.minute, d.second = vals[0], vals[1], vals[2]
	}
	return d, nil
}

func (a TimeAxis) gregorian() bool {
	switch a.Calendar {
	case CalendarStandard, CalendarGregorian, CalendarProlepticGregorian:
		return true
	}
	return false
}

func (a TimeAxis) isLeap(year int) bool {
	switch a.Calendar {
	case CalendarNoLeap, Calendar365Day:
		return false
	case CalendarAllLeap, Calendar366Day:
		return true
	}
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func (a TimeAxis) yearLength(year int) int {
	if a.isLeap(year) {
		return 366
	}
	return 365
}

func (a TimeAxis) monthDays(year int) [12]int {
	if a.isLeap(year) {
		return monthDaysLeap
	}
	return monthDaysCommon
}

// Decode converts raw coordinate values to time steps.
func (a TimeAxis) Decode(offsets []float64) ([]TimeStep, error) {
	steps := make([]TimeStep, len(offsets))
	for i, off := range offsets {
		step, err := a.decode(off)
		if err != nil {
			return nil, err
		}
		steps[i] = step
	}
	return steps, nil
}

func (a TimeAxis) decode(offset float64) (TimeStep, error) {
	if math.IsNaN(offset) || math.IsInf(offset, 0) {
		return TimeStep{}, fmt.Errorf("decode time: non-finite offset %v", offset)
	}
	if a.unit == 0 {
		return TimeStep{}, fmt.Errorf("decode time: axis not initialised")
	}

	// Work in whole seconds from epoch midnight; nanosecond durations
	// overflow for epochs like "days since 0001-01-01".
	e := a.epoch
	secs := int64(math.Round(offset*a.unit.Seconds())) + int64(e.hour*3600+e.minute*60+e.second)
	days := floorDiv(secs, secondsPerDay)
	rem := int(secs - days*secondsPerDay)

	if a.gregorian() {
		t := time.Date(e.year, time.Month(e.month), e.day+int(days), 0, 0, rem, 0, time.UTC)
		return TimeStep{Offset: offset, Year: t.Year(), DayOfYear: t.YearDay(), Time: t}, nil
	}

	// Every year has the same length in the remaining calendars.
	length := int64(a.yearLength(e.year))
	doy64 := int64(a.dayOfYear(e.year, e.month, e.day)-1) + days
	year := e.year + int(floorDiv(doy64, length))
	doy := int(doy64 - floorDiv(doy64, length)*length)

	month, day := a.monthDay(year, doy+1)
	t := time.Date(year, time.Month(month), day, 0, 0, rem, 0, time.UTC)
	return TimeStep{Offset: offset, Year: year, DayOfYear: doy + 1, Time: t}, nil
}

const secondsPerDay = 86400

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (a TimeAxis) dayOfYear(year, month, day int) int {
	md := a.monthDays(year)
	doy := day
	for m := 0; m < month-1; m++ {
		doy += md[m]
	}
	return doy
}

func (a TimeAxis) monthDay(year, doy int) (int, int) {
	md := a.monthDays(year)
	for m, n := range md {
		if doy <= n {
			return m + 1, doy
		}
		doy -= n
	}
	return 12, 31
}
