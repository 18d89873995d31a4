package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapatur/reconcile/internal/model"
)

func TestNameMatcher(t *testing.T) {
	units := []model.Unit{
		{ID: 7, Name: "Museu X", Latitude: -19.0, Longitude: -57.6},
		{ID: 3, Name: "MUSEU  X", Latitude: model.DefaultSentinel.Lat, Longitude: model.DefaultSentinel.Lon},
		{ID: 9, Name: "Museu-X", Latitude: -19.5, Longitude: -57.0},
		{ID: 4, Name: "Forte Junqueira"},
		{ID: 5, Name: ""},
	}

	got, err := NameMatcher{}.FindPairs(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].SurvivorID, "oldest unit survives")
	assert.Equal(t, int64(7), got[0].SupersededID)
	assert.Zero(t, got[0].DistanceMeters, "sentinel positions are not measured")
	assert.Equal(t, int64(9), got[1].SupersededID)

	got, err = NameMatcher{MaxDistance: 1000}.FindPairs(context.Background(), []model.Unit{
		{ID: 1, Name: "Museu X", Latitude: -19.0, Longitude: -57.6},
		{ID: 2, Name: "Museu X", Latitude: -19.5, Longitude: -57.0},
		{ID: 3, Name: "Museu X", Latitude: -19.0001, Longitude: -57.6},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].SupersededID)
	assert.Greater(t, got[0].DistanceMeters, 0.0)
	assert.Less(t, got[0].DistanceMeters, 100.0)
}

func TestFindCandidates(t *testing.T) {
	m := newMemory(t)
	w := seed(t, m, nil, nil)

	got, err := NewEngine(m, model.DefaultSentinel).FindCandidates(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, w.survivor, got[0].SurvivorID)
	assert.Equal(t, w.superseded, got[0].SupersededID)
	assert.Equal(t, "same normalized name", got[0].Reason)
}
