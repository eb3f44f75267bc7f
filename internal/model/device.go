package model

// DeviceIdentity is what a paired TV keeps in local storage. Both fields are
// always present together.
type DeviceIdentity struct {
	DeviceID   string `json:"deviceId"`
	LocationID string `json:"locationId"`
}

// Valid reports whether both halves of the identity are known.
func (d DeviceIdentity) Valid() bool {
	return d.DeviceID != "" && d.LocationID != ""
}

// CarouselSnapshot is the offline copy of the last carousel resolved for a
// location. It records no caching time, so re-caching an unchanged carousel
// produces identical bytes.
type CarouselSnapshot struct {
	LocationID string   `json:"locationId"`
	Carousel   Carousel `json:"carousel"`
}
