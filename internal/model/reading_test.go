package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestReadingJSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := &Reading{
		Temperature:          Float(21.5),
		Pressure:             Float(1013.2),
		Altitude:             Float(120),
		Humidity:             Float(45),
		SecondaryTemperature: Float(22),
		AccelX:               Float(0.01),
		AccelY:               Float(-0.02),
		AccelZ:               Float(9.81),
		Timestamp:            time.Date(2025, 3, 1, 12, 30, 15, 123456000, time.UTC),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out Reading
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !in.Equal(&out) {
		t.Fatalf("round trip mismatch:\n in  %v\n out %v", in, &out)
	}
}

func TestReadingJSONOmitsAbsentAttributes(t *testing.T) {
	t.Parallel()

	r := Reading{Temperature: Float(20), Timestamp: time.Unix(0, 0)}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "accelX") || strings.Contains(s, "humidity") {
		t.Fatalf("absent attributes should be omitted, got %s", s)
	}
	if !strings.Contains(s, `"timestamp":"1970-01-01T00:00:00Z"`) {
		t.Fatalf("timestamp should be encoded in UTC, got %s", s)
	}
}

func TestReadingZeroIsPresent(t *testing.T) {
	t.Parallel()

	var r Reading
	r.Set(AttrAccelY, 0)
	if v, ok := r.Get(AttrAccelY); !ok || v != 0 {
		t.Fatalf("Get(accelY) = %v, %v; want 0, true", v, ok)
	}
	if _, ok := r.Get(AttrAccelZ); ok {
		t.Fatal("accelZ should be absent")
	}
}

func TestReadingEqual(t *testing.T) {
	t.Parallel()

	ts := time.Now()
	a := &Reading{Temperature: Float(1), Timestamp: ts}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone should be equal")
	}
	b.Set(AttrHumidity, 10)
	if a.Equal(b) {
		t.Fatal("extra attribute should break equality")
	}
	if !(*Reading)(nil).Equal(nil) {
		t.Fatal("nil readings should be equal")
	}
}

func TestAttributeValid(t *testing.T) {
	t.Parallel()

	if !AttrSecondaryTemperature.Valid() {
		t.Fatal("secondaryTemperature should be valid")
	}
	if Attribute("combinedTemp").Valid() {
		t.Fatal("combinedTemp is not canonical")
	}
}
