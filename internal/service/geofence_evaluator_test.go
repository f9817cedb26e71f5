package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetward/bustrack-api/internal/models"
)

// At the equator one degree of latitude is ~111.2 km, so 0.0004 deg is ~44 m.
func stopAt(id string, position int, lat float64) models.RouteStop {
	return models.RouteStop{
		ID:           id,
		Position:     position,
		Lat:          lat,
		Lon:          0,
		RadiusMeters: 50,
	}
}

func fixAt(busID string, lat float64, at time.Time) *models.LocationFix {
	return &models.LocationFix{BusID: busID, Lat: lat, Lon: 0, RecordedAt: at}
}

func TestEvaluateEnterThenExit(t *testing.T) {
	g := NewGeofenceEvaluator(1.1)
	stops := []models.RouteStop{stopAt("stop-1", 1, 0)}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	// Approach: well outside, no event.
	result := g.Evaluate("trip-1", stops, fixAt("bus-1", 0.001, now))
	assert.Empty(t, result.Events)

	// Inside the 50 m fence.
	result = g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now.Add(time.Minute)))
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.GeofenceEnter, result.Events[0].Kind)
	assert.Equal(t, "stop-1", result.Events[0].StopID)
	assert.InDelta(t, 44.5, result.Events[0].DistanceM, 1.0)

	// Repeated fix inside emits nothing.
	result = g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now.Add(2*time.Minute)))
	assert.Empty(t, result.Events)

	// Past the base radius but inside the widened exit boundary: no flap.
	result = g.Evaluate("trip-1", stops, fixAt("bus-1", 0.00049, now.Add(3*time.Minute)))
	assert.Empty(t, result.Events)

	// Clearly out.
	result = g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0006, now.Add(4*time.Minute)))
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.GeofenceExit, result.Events[0].Kind)
}

func TestEvaluateEnterExitBalanced(t *testing.T) {
	g := NewGeofenceEvaluator(1.1)
	stops := []models.RouteStop{stopAt("stop-1", 1, 0)}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	var enters, exits int
	lats := []float64{0.001, 0.0004, 0.0006, 0.0003, 0.0004, 0.0008, 0.0002}
	for i, lat := range lats {
		result := g.Evaluate("trip-1", stops, fixAt("bus-1", lat, now.Add(time.Duration(i)*time.Minute)))
		for _, event := range result.Events {
			switch event.Kind {
			case models.GeofenceEnter:
				enters++
			case models.GeofenceExit:
				exits++
			}
		}
	}
	diff := enters - exits
	assert.True(t, diff == 0 || diff == 1, "enter/exit imbalance: %d enters, %d exits", enters, exits)
}

func TestEvaluateSkippedStops(t *testing.T) {
	g := NewGeofenceEvaluator(1.1)
	stops := []models.RouteStop{
		stopAt("stop-1", 1, 0),
		stopAt("stop-2", 2, 0.01),
		stopAt("stop-3", 3, 0.02),
	}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	// Bus appears directly inside the third stop's fence.
	result := g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0204, now))
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.GeofenceEnter, result.Events[0].Kind)
	require.Len(t, result.SkippedStops, 2)
	assert.Equal(t, "stop-1", result.SkippedStops[0].ID)
	assert.Equal(t, "stop-2", result.SkippedStops[1].ID)

	// Leaving and coming back does not re-report the skips.
	g.Evaluate("trip-1", stops, fixAt("bus-1", 0.03, now.Add(time.Minute)))
	result = g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0204, now.Add(2*time.Minute)))
	assert.Empty(t, result.SkippedStops)
}

func TestInsideStopsAndDropTrip(t *testing.T) {
	g := NewGeofenceEvaluator(1.1)
	stops := []models.RouteStop{stopAt("stop-1", 1, 0)}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now))
	assert.Equal(t, []string{"stop-1"}, g.InsideStops("trip-1"))

	g.DropTrip("trip-1")
	assert.Nil(t, g.InsideStops("trip-1"))

	// After teardown the next inside fix is a fresh Enter.
	result := g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now.Add(time.Minute)))
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.GeofenceEnter, result.Events[0].Kind)
}

func TestEvaluateConcurrentWithSnapshots(t *testing.T) {
	g := NewGeofenceEvaluator(1.1)
	stops := []models.RouteStop{stopAt("stop-1", 1, 0), stopAt("stop-2", 2, 0.01)}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	// Seed the trip so the snapshot reader has state to walk while the
	// evaluator mutates it.
	g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lats := []float64{0.001, 0.0004, 0.0104, 0.0008, 0.0004}
		for i := 0; i < 200; i++ {
			g.Evaluate("trip-1", stops, fixAt("bus-1", lats[i%len(lats)], now.Add(time.Duration(i)*time.Second)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			g.InsideStops("trip-1")
		}
	}()
	wg.Wait()

	// End inside stop-1 only so the final snapshot is deterministic.
	g.Evaluate("trip-1", stops, fixAt("bus-1", 0.1, now.Add(time.Hour)))
	g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now.Add(2*time.Hour)))
	assert.Equal(t, []string{"stop-1"}, g.InsideStops("trip-1"))
}

func TestEvaluateIsolatesTrips(t *testing.T) {
	g := NewGeofenceEvaluator(1.1)
	stops := []models.RouteStop{stopAt("stop-1", 1, 0)}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	g.Evaluate("trip-1", stops, fixAt("bus-1", 0.0004, now))

	// Another trip entering the same fence still sees a fresh Enter.
	result := g.Evaluate("trip-2", stops, fixAt("bus-2", 0.0004, now))
	require.Len(t, result.Events, 1)
	assert.Equal(t, models.GeofenceEnter, result.Events[0].Kind)
}
