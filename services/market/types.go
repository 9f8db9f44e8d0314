package market

import (
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one instrument in a market snapshot.
// Optional numeric fields are zero when the upstream omits them.
type Row struct {
	ID            string
	Symbol        string
	Name          string
	Price         decimal.Decimal
	MarketCap     decimal.Decimal
	MarketCapRank int
	Volume24h     decimal.Decimal
	Change24h     decimal.Decimal // percent
	Change7d      decimal.Decimal // percent
}

// Snapshot is a point-in-time table of the top instruments by market cap.
type Snapshot struct {
	Rows      []Row
	FetchedAt time.Time
}

// Clone returns a copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{Rows: slices.Clone(s.Rows), FetchedAt: s.FetchedAt}
}

// Len returns the number of rows.
func (s Snapshot) Len() int { return len(s.Rows) }

// Movers returns the rows with the highest and lowest 24h change.
// ok is false for an empty snapshot.
func (s Snapshot) Movers() (gainer, loser Row, ok bool) {
	if len(s.Rows) == 0 {
		return Row{}, Row{}, false
	}
	gainer, loser = s.Rows[0], s.Rows[0]
	for _, r := range s.Rows[1:] {
		if r.Change24h.GreaterThan(gainer.Change24h) {
			gainer = r
		}
		if r.Change24h.LessThan(loser.Change24h) {
			loser = r
		}
	}
	return gainer, loser, true
}

// Point is a single price observation.
type Point struct {
	Time  time.Time
	Price decimal.Decimal
}

// Series is a price history ordered by time, without duplicate timestamps.
type Series struct {
	InstrumentID string
	Points       []Point
}

// normalizePoints sorts points by time and keeps the last value seen for each
// timestamp.
func normalizePoints(points []Point) []Point {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	out := points[:0]
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Time.Equal(p.Time) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

// Detail is the single-instrument view returned by coins/{id}.
type Detail struct {
	ID          string
	Symbol      string
	Name        string
	Description string
	Homepage    string
	Price       decimal.Decimal
	MarketCap   decimal.Decimal
	Volume24h   decimal.Decimal
	Change24h   decimal.Decimal
	AllTimeHigh decimal.Decimal
	AllTimeLow  decimal.Decimal
}
