package garage

import (
	"sort"
	"time"
)

// MaintenanceItem describes how often a service is due. Either bound may be
// zero when the service has no mileage or no calendar interval.
type MaintenanceItem struct {
	Service        string `json:"service"`
	IntervalMiles  int    `json:"interval_miles,omitempty"`
	IntervalMonths int    `json:"interval_months,omitempty"`
}

// DefaultSchedule is a conservative schedule for conventional passenger cars.
var DefaultSchedule = []MaintenanceItem{
	{Service: "oil_change", IntervalMiles: 5000, IntervalMonths: 6},
	{Service: "tire_rotation", IntervalMiles: 7500},
	{Service: "engine_air_filter", IntervalMiles: 15000, IntervalMonths: 12},
	{Service: "cabin_air_filter", IntervalMiles: 15000, IntervalMonths: 12},
	{Service: "brake_fluid", IntervalMonths: 36},
	{Service: "coolant", IntervalMiles: 30000, IntervalMonths: 24},
	{Service: "transmission_fluid", IntervalMiles: 60000},
	{Service: "spark_plugs", IntervalMiles: 60000},
	{Service: "wiper_blades", IntervalMonths: 12},
}

// DueItem reports the standing of one scheduled service against the
// vehicle's history and current odometer.
type DueItem struct {
	Service       string `json:"service"`
	Overdue       bool   `json:"overdue"`
	MilesSince    int    `json:"miles_since,omitempty"`
	MilesUntilDue int    `json:"miles_until_due,omitempty"`
	MonthsSince   int    `json:"months_since,omitempty"`
	LastDone      string `json:"last_done,omitempty"`
}

// DueItems evaluates the schedule against the vehicle's service history.
// A service with no recorded history is assumed done at mile zero, so only
// its mileage interval applies.
func DueItems(schedule []MaintenanceItem, history []ServiceRecord, odometer int, now time.Time) []DueItem {
	last := make(map[string]ServiceRecord, len(history))
	for _, r := range history {
		prev, ok := last[r.Service]
		if !ok || r.PerformedAt.After(prev.PerformedAt) {
			last[r.Service] = r
		}
	}

	out := make([]DueItem, 0, len(schedule))
	for _, item := range schedule {
		d := DueItem{Service: item.Service}

		rec, seen := last[item.Service]
		lastOdo := 0
		if seen {
			lastOdo = rec.Odometer
			d.LastDone = rec.PerformedAt.UTC().Format("2006-01-02")
		}

		if item.IntervalMiles > 0 {
			d.MilesSince = odometer - lastOdo
			d.MilesUntilDue = item.IntervalMiles - d.MilesSince
			if d.MilesUntilDue <= 0 {
				d.Overdue = true
				d.MilesUntilDue = 0
			}
		}
		if item.IntervalMonths > 0 && seen {
			d.MonthsSince = monthsBetween(rec.PerformedAt, now)
			if d.MonthsSince >= item.IntervalMonths {
				d.Overdue = true
			}
		}
		out = append(out, d)
	}

	// Overdue first, then by miles remaining.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Overdue != out[j].Overdue {
			return out[i].Overdue
		}
		return out[i].MilesUntilDue < out[j].MilesUntilDue
	})
	return out
}

func monthsBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	from, to = from.UTC(), to.UTC()
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}
