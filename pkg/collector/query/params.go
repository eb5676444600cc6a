// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package query

import (
	"fmt"
	"time"
)

// Interval selects the trending bucket width and, with it, the continuous
// aggregate the engine reads. It is a closed enum so its values may be
// spliced into SQL identifiers safely.
type Interval string

// Valid intervals.
const (
	IntervalHour Interval = "hour"
	IntervalDay  Interval = "day"
	IntervalWeek Interval = "week"
)

// ParseInterval validates a user-supplied interval.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalHour, IntervalDay, IntervalWeek:
		return Interval(s), nil
	}
	return "", fmt.Errorf("invalid interval %q, must be one of: hour, day, week", s)
}

func (i Interval) view() string {
	switch i {
	case IntervalHour:
		return "cost_hourly"
	case IntervalDay:
		return "cost_daily"
	default:
		return "cost_weekly"
	}
}

// alignDown floors t to the bucket boundary time_bucket would assign it to.
// Weeks use time_bucket's origin of 2000-01-03, a Monday.
func (i Interval) alignDown(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case IntervalHour:
		return t.Truncate(time.Hour)
	case IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		sinceMonday := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -sinceMonday)
	}
}

func (i Interval) next(t time.Time) time.Time {
	switch i {
	case IntervalHour:
		return t.Add(time.Hour)
	case IntervalDay:
		return t.AddDate(0, 0, 1)
	default:
		return t.AddDate(0, 0, 7)
	}
}

// GroupBy selects the trending breakdown dimension. Closed enum, same
// injection-safety reasoning as Interval.
type GroupBy string

// Valid group-by dimensions.
const (
	GroupByModel    GroupBy = "model"
	GroupByProvider GroupBy = "provider"
	GroupByStage    GroupBy = "stage"
)

// ParseGroupBy validates a user-supplied group_by dimension.
func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case GroupByModel, GroupByProvider, GroupByStage:
		return GroupBy(s), nil
	}
	return "", fmt.Errorf("invalid group_by %q, must be one of: model, provider, stage", s)
}

func (g GroupBy) column() string {
	return string(g)
}
