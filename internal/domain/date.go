package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// DateRow is a row of dwh.dim_date.
type DateRow struct {
	Key     int32
	Date    civil.Date
	Year    int32
	Quarter int32
	Month   int32
	Day     int32
	Weekday int32 // 0 = Sunday .. 6 = Saturday
}

// DateKey returns the YYYYMMDD integer key of d.
func DateKey(d civil.Date) int32 {
	return int32(d.Year*10000 + int(d.Month)*100 + d.Day)
}

// DateOf returns the UTC calendar date of ts.
func DateOf(ts time.Time) civil.Date {
	return civil.DateOf(ts.UTC())
}

// NewDateRow derives every date dimension attribute from d.
func NewDateRow(d civil.Date) DateRow {
	return DateRow{
		Key:     DateKey(d),
		Date:    d,
		Year:    int32(d.Year),
		Quarter: int32((int(d.Month)-1)/3 + 1),
		Month:   int32(d.Month),
		Day:     int32(d.Day),
		Weekday: int32(d.In(time.UTC).Weekday()),
	}
}
