package tle

import (
	"strings"
	"time"
)

// Elements are the mean orbital elements carried on TLE line 2.
type Elements struct {
	InclinationDeg   float64 `json:"inclination_deg"`
	RAANDeg          float64 `json:"raan_deg"`
	Eccentricity     float64 `json:"eccentricity"`
	ArgPerigeeDeg    float64 `json:"arg_perigee_deg"`
	MeanAnomalyDeg   float64 `json:"mean_anomaly_deg"`
	MeanMotionRevDay float64 `json:"mean_motion_rev_day"`
}

// Entry represents a single satellite's two-line element set.
type Entry struct {
	NORADID  int       `json:"norad_id"`
	Name     string    `json:"name"`
	Epoch    time.Time `json:"epoch"`
	Line1    string    `json:"line1"`
	Line2    string    `json:"line2"`
	Elements Elements  `json:"elements"`
}

// EpochRange represents the minimum and maximum epoch times in a dataset.
type EpochRange struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

// Dataset represents a complete set of TLE data from a source.
type Dataset struct {
	Source     string
	FetchedAt  time.Time
	EpochRange EpochRange
	Entries    []Entry
}

// NewDataset builds a Dataset and computes its epoch range. Entries sharing
// a NORAD catalog number are merged: the newest epoch wins and keeps the
// position of the first occurrence.
func NewDataset(source string, fetchedAt time.Time, entries []Entry) *Dataset {
	ds := &Dataset{
		Source:    source,
		FetchedAt: fetchedAt,
		Entries:   dedupe(entries),
	}
	if len(ds.Entries) > 0 {
		ds.EpochRange = EpochRange{Min: ds.Entries[0].Epoch, Max: ds.Entries[0].Epoch}
		for _, e := range ds.Entries[1:] {
			if e.Epoch.Before(ds.EpochRange.Min) {
				ds.EpochRange.Min = e.Epoch
			}
			if e.Epoch.After(ds.EpochRange.Max) {
				ds.EpochRange.Max = e.Epoch
			}
		}
	}
	return ds
}

func dedupe(entries []Entry) []Entry {
	index := make(map[int]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		i, seen := index[e.NORADID]
		if !seen {
			index[e.NORADID] = len(out)
			out = append(out, e)
			continue
		}
		if e.Epoch.After(out[i].Epoch) {
			out[i] = e
		}
	}
	return out
}

// Find returns the entry with the given NORAD catalog number.
func (d *Dataset) Find(noradID int) (Entry, bool) {
	for _, e := range d.Entries {
		if e.NORADID == noradID {
			return e, true
		}
	}
	return Entry{}, false
}

// Select returns entries whose name contains filter (case-insensitive), in
// dataset order, keeping at most limit of them. An empty filter matches every
// entry; limit <= 0 means no limit.
func (d *Dataset) Select(filter string, limit int) []Entry {
	filter = strings.ToUpper(strings.TrimSpace(filter))
	var out []Entry
	for _, e := range d.Entries {
		if filter != "" && !strings.Contains(strings.ToUpper(e.Name), filter) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
