// README: Shared identifier and coordinate types used across modules.
package types

// ID is an opaque entity identifier (requests, providers, clients).
type ID string

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}
