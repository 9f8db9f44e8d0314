package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotMovers(t *testing.T) {
	_, _, ok := (Snapshot{}).Movers()
	assert.False(t, ok, "Movers() on empty snapshot")

	gainer, loser, ok := sampleSnapshot().Movers()
	require.True(t, ok)
	assert.Equal(t, "ether-clone", gainer.ID)
	assert.Equal(t, "ethereum", loser.ID)
}

func TestSnapshotClone(t *testing.T) {
	s := sampleSnapshot()
	c := s.Clone()
	c.Rows[0].ID = "changed"

	assert.Equal(t, "bitcoin", s.Rows[0].ID, "Clone() shares rows with the original")
	assert.True(t, c.FetchedAt.Equal(s.FetchedAt))
}

func TestNormalizePoints(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }
	price := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

	got := normalizePoints([]Point{
		{at(2), price(20)},
		{at(0), price(1)},
		{at(1), price(10)},
		{at(0), price(2)},
		{at(2), price(21)},
	})

	want := []Point{{at(0), price(2)}, {at(1), price(10)}, {at(2), price(21)}}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, got[i].Time.Equal(want[i].Time), "point %d time = %v, want %v", i, got[i].Time, want[i].Time)
		assert.True(t, got[i].Price.Equal(want[i].Price), "point %d price = %v, want %v", i, got[i].Price, want[i].Price)
	}
}
