package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Attribute names one canonical measurement of a Reading.
type Attribute string

const (
	AttrTemperature          Attribute = "temperature"
	AttrPressure             Attribute = "pressure"
	AttrAltitude             Attribute = "altitude"
	AttrHumidity             Attribute = "humidity"
	AttrSecondaryTemperature Attribute = "secondaryTemperature"
	AttrAccelX               Attribute = "accelX"
	AttrAccelY               Attribute = "accelY"
	AttrAccelZ               Attribute = "accelZ"
)

// Attributes lists every canonical attribute in wire order.
var Attributes = []Attribute{
	AttrTemperature,
	AttrPressure,
	AttrAltitude,
	AttrHumidity,
	AttrSecondaryTemperature,
	AttrAccelX,
	AttrAccelY,
	AttrAccelZ,
}

// Valid reports whether a is one of the canonical attributes.
func (a Attribute) Valid() bool {
	for _, known := range Attributes {
		if a == known {
			return true
		}
	}
	return false
}

// Reading is the canonical sensor record used across the system.
// It is the unit persisted by the store and pushed to subscribers.
// A nil measurement means the attribute was absent from the source line;
// absent values are never defaulted to zero.
type Reading struct {
	Temperature          *float64  `json:"temperature,omitempty"`
	Pressure             *float64  `json:"pressure,omitempty"`
	Altitude             *float64  `json:"altitude,omitempty"`
	Humidity             *float64  `json:"humidity,omitempty"`
	SecondaryTemperature *float64  `json:"secondaryTemperature,omitempty"`
	AccelX               *float64  `json:"accelX,omitempty"`
	AccelY               *float64  `json:"accelY,omitempty"`
	AccelZ               *float64  `json:"accelZ,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func (r *Reading) field(a Attribute) **float64 {
	switch a {
	case AttrTemperature:
		return &r.Temperature
	case AttrPressure:
		return &r.Pressure
	case AttrAltitude:
		return &r.Altitude
	case AttrHumidity:
		return &r.Humidity
	case AttrSecondaryTemperature:
		return &r.SecondaryTemperature
	case AttrAccelX:
		return &r.AccelX
	case AttrAccelY:
		return &r.AccelY
	case AttrAccelZ:
		return &r.AccelZ
	}
	return nil
}

// Get returns the value of a and whether it is present.
func (r *Reading) Get(a Attribute) (float64, bool) {
	f := r.field(a)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// Set assigns v to a. Unknown attributes are ignored.
func (r *Reading) Set(a Attribute, v float64) {
	if f := r.field(a); f != nil {
		*f = Float(v)
	}
}

// Values returns the present measurements keyed by attribute.
func (r *Reading) Values() map[Attribute]float64 {
	out := make(map[Attribute]float64, len(Attributes))
	for _, a := range Attributes {
		if v, ok := r.Get(a); ok {
			out[a] = v
		}
	}
	return out
}

// Equal reports whether r and o carry the same measurements and instant.
func (r *Reading) Equal(o *Reading) bool {
	if r == nil || o == nil {
		return r == o
	}
	for _, a := range Attributes {
		rv, rok := r.Get(a)
		ov, ook := o.Get(a)
		if rok != ook || rv != ov {
			return false
		}
	}
	return r.Timestamp.Equal(o.Timestamp)
}

// Clone returns a deep copy of r.
func (r *Reading) Clone() *Reading {
	out := &Reading{Timestamp: r.Timestamp}
	for a, v := range r.Values() {
		out.Set(a, v)
	}
	return out
}

func (r *Reading) String() string {
	return fmt.Sprintf("reading{%v @%s}", r.Values(), r.Timestamp.Format(time.RFC3339Nano))
}

// MarshalJSON always encodes the timestamp in UTC.
func (r Reading) MarshalJSON() ([]byte, error) {
	type wire Reading
	w := wire(r)
	w.Timestamp = w.Timestamp.UTC()
	return json.Marshal(w)
}

// Fields holds loosely-typed values extracted from one raw line before mapping.
// Values are float64, string or bool.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
