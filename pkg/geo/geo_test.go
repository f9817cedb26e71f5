package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMetersZero(t *testing.T) {
	p := Point{Lat: -6.2088, Lon: 106.8456}
	assert.Equal(t, 0.0, DistanceMeters(p, p))
}

func TestDistanceMetersKnownPair(t *testing.T) {
	// Jakarta Monas to Istiqlal Mosque, roughly 700m apart.
	monas := Point{Lat: -6.1754, Lon: 106.8272}
	istiqlal := Point{Lat: -6.1702, Lon: 106.8310}

	d := DistanceMeters(monas, istiqlal)
	assert.InDelta(t, 712, d, 30)
}

func TestDistanceMetersSymmetric(t *testing.T) {
	a := Point{Lat: 51.5007, Lon: -0.1246}
	b := Point{Lat: 51.5014, Lon: -0.1419}
	assert.InDelta(t, DistanceMeters(a, b), DistanceMeters(b, a), 1e-9)
}

func TestPointValid(t *testing.T) {
	assert.True(t, Point{Lat: 90, Lon: -180}.Valid())
	assert.False(t, Point{Lat: 90.01, Lon: 0}.Valid())
	assert.False(t, Point{Lat: 0, Lon: 180.5}.Valid())
}
