package geodist

import (
	"math"
	"math/rand"
	"testing"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
)

func TestDistanceM_KnownPairs(t *testing.T) {
	sf := model.Coordinate{Lat: 37.7749, Lng: -122.4194}
	oak := model.Coordinate{Lat: 37.8044, Lng: -122.2712}
	d := DistanceM(sf, oak)
	if d < 13000 || d > 13600 {
		t.Fatalf("SF-Oakland distance=%.0fm, want about 13.4km", d)
	}
	if DistanceM(sf, sf) != 0 {
		t.Fatalf("distance to self must be zero")
	}
	if math.Abs(DistanceM(sf, oak)-DistanceM(oak, sf)) > 1e-6 {
		t.Fatalf("distance must be symmetric")
	}
}

func TestBoxAround_ContainsCircle(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	for range 300 {
		c := model.Coordinate{Lat: r.Float64()*160 - 80, Lng: r.Float64()*360 - 180}
		radius := math.Pow(10, 1+r.Float64()*5) // 10m to 1000km
		bb := BoxAround(c, radius)
		if err := bb.Validate(); err != nil {
			t.Fatalf("BoxAround(%v,%v)=%s invalid: %v", c, radius, bb, err)
		}
		for range 50 {
			bearing := r.Float64() * 2 * math.Pi
			p := destination(c, radius*0.999*r.Float64(), bearing)
			if !bb.Contains(p) {
				t.Fatalf("point %v at <=%.0fm from %v outside %s", p, radius, c, bb)
			}
		}
	}
}

func TestBoxAround_WrapAndPole(t *testing.T) {
	bb := BoxAround(model.Coordinate{Lat: 0, Lng: 179.99}, 5000)
	if !bb.Wraps() {
		t.Fatalf("box near the antimeridian should wrap: %s", bb)
	}
	bb = BoxAround(model.Coordinate{Lat: 89.99, Lng: 10}, 5000)
	if bb.West != -180 || bb.East != 180 || bb.North != 90 {
		t.Fatalf("box reaching the pole should span all longitudes: %s", bb)
	}
}

// destination walks dist meters from c along bearing on the sphere.
func destination(c model.Coordinate, dist, bearing float64) model.Coordinate {
	lat1, lng1 := c.Lat*math.Pi/180, c.Lng*math.Pi/180
	ang := dist / EarthRadiusM
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(bearing))
	lng2 := lng1 + math.Atan2(math.Sin(bearing)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))
	lng := math.Mod(lng2*180/math.Pi+540, 360) - 180
	return model.Coordinate{Lat: lat2 * 180 / math.Pi, Lng: lng}
}
