package cluster

import "math"

// Latitudes beyond the Web-Mercator limit are clamped before projection so
// the log term stays finite at the poles.
const maxMercatorLat = 85.05112877980659

// Project maps longitude/latitude onto the [0,1]x[0,1] tile space using a
// spherical Mercator projection. North is y=0.
func Project(lng, lat float64) (float64, float64) {
	if lat > maxMercatorLat {
		lat = maxMercatorLat
	}
	if lat < -maxMercatorLat {
		lat = -maxMercatorLat
	}

	sin := math.Sin(lat * math.Pi / 180)
	x := lng/360 + 0.5
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi

	if y < 0 {
		y = 0
	}
	if y > 1 {
		y = 1
	}
	return x, y
}

// Unproject converts tile-space coordinates back to longitude/latitude.
func Unproject(x, y float64) (float64, float64) {
	lng := (x - 0.5) * 360
	y2 := (180 - y*360) * math.Pi / 180
	lat := 360*math.Atan(math.Exp(y2))/math.Pi - 90
	return lng, lat
}
