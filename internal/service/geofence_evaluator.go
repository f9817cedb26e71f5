package service

import (
	"sync"

	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/pkg/geo"
)

// GeofenceResult is the outcome of evaluating one fix against a trip's stops.
type GeofenceResult struct {
	Events       []models.GeofenceEvent
	SkippedStops []models.RouteStop
}

// fenceState tracks the in/out flag for every stop of one trip plus the set
// of stops the bus has entered at least once. Trip-scoped: thrown away
// wholesale when the trip finishes.
type fenceState struct {
	inside  map[string]bool
	visited map[string]bool
}

// GeofenceEvaluator turns the location fix stream into Enter/Exit crossings.
// Enter fires only on an Outside->Inside transition and Exit only on
// Inside->Outside, so repeated fixes in the same state emit nothing. The exit
// boundary is widened by the hysteresis factor to keep a bus hovering on the
// fence from flapping.
//
// State is keyed by trip and guarded by a single mutex held across the whole
// evaluation: InsideStops serves concurrent snapshot reads, so the per-stop
// map writes must sit inside the same critical section.
type GeofenceEvaluator struct {
	hysteresis float64

	mu    sync.Mutex
	trips map[string]*fenceState
}

// NewGeofenceEvaluator constructs an evaluator.
func NewGeofenceEvaluator(hysteresisFactor float64) *GeofenceEvaluator {
	if hysteresisFactor < 1 {
		hysteresisFactor = 1.1
	}
	return &GeofenceEvaluator{
		hysteresis: hysteresisFactor,
		trips:      make(map[string]*fenceState),
	}
}

// Evaluate classifies the fix against every stop on the route and returns
// the crossings it caused. A freshly entered stop whose predecessors were
// never visited reports those predecessors as skipped.
func (g *GeofenceEvaluator) Evaluate(tripID string, stops []models.RouteStop, fix *models.LocationFix) GeofenceResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.trips[tripID]
	if !ok {
		state = &fenceState{inside: make(map[string]bool), visited: make(map[string]bool)}
		g.trips[tripID] = state
	}

	point := geo.Point{Lat: fix.Lat, Lon: fix.Lon}
	var result GeofenceResult

	for _, stop := range stops {
		distance := geo.DistanceMeters(point, geo.Point{Lat: stop.Lat, Lon: stop.Lon})
		wasInside := state.inside[stop.ID]

		threshold := stop.RadiusMeters
		if wasInside {
			threshold = stop.RadiusMeters * g.hysteresis
		}
		nowInside := distance <= threshold

		if nowInside == wasInside {
			continue
		}
		state.inside[stop.ID] = nowInside

		kind := models.GeofenceExit
		if nowInside {
			kind = models.GeofenceEnter
			if !state.visited[stop.ID] {
				result.SkippedStops = append(result.SkippedStops, unvisitedBefore(stops, state, stop.Position)...)
			}
			state.visited[stop.ID] = true
		}
		result.Events = append(result.Events, models.GeofenceEvent{
			TripID:     tripID,
			BusID:      fix.BusID,
			StopID:     stop.ID,
			Kind:       kind,
			DistanceM:  distance,
			RecordedAt: fix.RecordedAt,
		})
	}

	return result
}

// InsideStops returns the stop IDs the bus currently occupies for a trip.
func (g *GeofenceEvaluator) InsideStops(tripID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.trips[tripID]
	if !ok {
		return nil
	}
	var ids []string
	for stopID, inside := range state.inside {
		if inside {
			ids = append(ids, stopID)
		}
	}
	return ids
}

// DropTrip discards all fence state for a completed or cancelled trip.
func (g *GeofenceEvaluator) DropTrip(tripID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.trips, tripID)
}

func unvisitedBefore(stops []models.RouteStop, state *fenceState, position int) []models.RouteStop {
	var skipped []models.RouteStop
	for _, stop := range stops {
		if stop.Position < position && !state.visited[stop.ID] {
			skipped = append(skipped, stop)
			// Counted once; a later Enter on this stop clears nothing.
			state.visited[stop.ID] = true
		}
	}
	return skipped
}
