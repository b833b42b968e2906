package meteo

// geocodeResponse is the provider's reverse-geocoding payload.
type geocodeResponse struct {
	Locations []geocodeLocation `json:"locations"`
}

type geocodeLocation struct {
	Key       string  `json:"key"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// historyResponse is the provider's historical precipitation payload.
// AvailableFrom/AvailableTo describe the range the provider can serve
// for this location, which may be narrower than what was requested.
type historyResponse struct {
	LocationKey   string           `json:"location_key"`
	AvailableFrom int64            `json:"available_from"`
	AvailableTo   int64            `json:"available_to"`
	Readings      []historyReading `json:"readings"`
}

type historyReading struct {
	Timestamp int64   `json:"ts"`
	PrecipMM  float64 `json:"precip_mm"`
}

// errorResponse is the provider's error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
