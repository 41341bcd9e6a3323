// Package domain holds the attendance session and check-in types.
package domain

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidGeofence is returned for coordinates out of range or a non-positive radius.
var ErrInvalidGeofence = errors.New("invalid geofence")

const earthRadiusMeters = 6371000.0

// Session is one class period a teacher opens for QR check-in.
type Session struct {
	ID        string
	ClassID   string
	TeacherID string
	IsActive  bool
	// Geofence is optional; nil means check-ins are accepted from anywhere.
	Geofence  *Geofence
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Record is one student's check-in. A student checks in at most once per session.
type Record struct {
	SessionID   string    `json:"sessionId"`
	StudentID   string    `json:"studentId"`
	CheckedInAt time.Time `json:"checkedInAt"`
}

// Geofence is a circle around the classroom.
type Geofence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
}

// Validate checks coordinate ranges and the radius.
func (g Geofence) Validate() error {
	if !ValidCoordinates(g.Latitude, g.Longitude) || !(g.RadiusMeters > 0) {
		return ErrInvalidGeofence
	}
	return nil
}

// Contains reports whether (lat, lon) lies within the radius, inclusive.
func (g Geofence) Contains(lat, lon float64) bool {
	return DistanceMeters(g.Latitude, g.Longitude, lat, lon) <= g.RadiusMeters
}

// ValidCoordinates reports whether lat and lon are finite and within WGS84 ranges.
func ValidCoordinates(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// DistanceMeters is the haversine great-circle distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}
