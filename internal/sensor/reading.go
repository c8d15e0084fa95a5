package sensor

import (
	"encoding/json"
	"math"
	"math/rand"
)

// Reading is one synthesized sensor measurement. It marshals to the JSON
// payload carried behind the timing header.
type Reading struct {
	DeviceID string  `json:"dev_id"`
	Type     string  `json:"type"`
	Value    float64 `json:"value,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
	Detected bool    `json:"detected,omitempty"`
}

// Bytes marshals the reading for transmission.
func (r Reading) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// readingState carries the slow-moving baseline of one session so
// consecutive readings look like a real device, not white noise.
type readingState struct {
	mean   float64
	lat    float64
	lon    float64
	motion bool
}

func newReadingState(rng *rand.Rand) *readingState {
	return &readingState{
		mean: rng.Float64()*20 + 15, // 15..35 C baseline
		lat:  48.2 + rng.Float64()*0.5 - 0.25,
		lon:  16.37 + rng.Float64()*0.5 - 0.25,
	}
}

// synthesize produces the next reading for a session, drifting the baseline
// a little each call.
func (st *readingState) synthesize(s Session, rng *rand.Rand) Reading {
	r := Reading{DeviceID: s.DeviceID(), Type: s.Type}
	switch s.Type {
	case "temperature", "temp":
		st.mean += rng.Float64()*0.2 - 0.1
		r.Value = round2(st.mean + rng.NormFloat64()*0.5)
		r.Unit = "C"
	case "humidity":
		r.Value = round2(50 + (st.mean-25)*0.5 + rng.NormFloat64()*3)
		r.Unit = "%"
	case "pressure":
		r.Value = round2(1010 + rng.NormFloat64()*5)
		r.Unit = "hPa"
	case "co2":
		r.Value = round2(400 + rng.Float64()*600)
		r.Unit = "ppm"
	case "light", "lux":
		r.Value = round2(rng.Float64() * 1000)
		r.Unit = "lux"
	case "gps", "location":
		st.lat += rng.Float64()*0.002 - 0.001
		st.lon += rng.Float64()*0.002 - 0.001
		r.Lat = st.lat
		r.Lon = st.lon
	case "motion", "pir":
		// Sticky binary state with random flips.
		if rng.Float64() > 0.8 {
			st.motion = !st.motion
		}
		r.Detected = st.motion
	default:
		r.Value = round2(rng.Float64() * 100)
		r.Unit = "generic"
	}
	return r
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
