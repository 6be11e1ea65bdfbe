package schema

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tinytelemetry/sensord/internal/decode"
	"github.com/tinytelemetry/sensord/internal/model"
)

var fixedNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.FixedZone("CEST", 2*60*60))

func mustPreset(t *testing.T, name string) *Schema {
	t.Helper()
	s, err := Preset(name)
	if err != nil {
		t.Fatalf("Preset(%q): %v", name, err)
	}
	return s
}

func TestAccelerometerScenario(t *testing.T) {
	t.Parallel()

	line := `{"BMP_Temperature":21.5,"BMP_Pressure":1013.2,"BMP_Altitude":120.0,"DHT_Humidity":45.0,"DHT_Temperature":22.0,"Accel_X":0.01,"Accel_Y":-0.02,"Accel_Z":9.81}`
	fields, err := decode.NewDecoder().Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	r, err := mustPreset(t, PresetAccelerometer).MapAndValidate(fields, fixedNow)
	if err != nil {
		t.Fatalf("MapAndValidate: %v", err)
	}

	want := map[model.Attribute]float64{
		model.AttrTemperature:          21.5,
		model.AttrPressure:             1013.2,
		model.AttrAltitude:             120.0,
		model.AttrHumidity:             45.0,
		model.AttrSecondaryTemperature: 22.0,
		model.AttrAccelX:               0.01,
		model.AttrAccelY:               -0.02,
		model.AttrAccelZ:               9.81,
	}
	if got := r.Values(); !reflect.DeepEqual(got, want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
	if !r.Timestamp.Equal(fixedNow) || r.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp = %v, want %v in UTC", r.Timestamp, fixedNow.UTC())
	}
}

func TestMissingAndMistypedFieldsRejectAtomically(t *testing.T) {
	t.Parallel()

	fields := model.Fields{
		"BMP_Temperature": 21.5,
		"BMP_Pressure":    "1013",
		"DHT_Humidity":    45.0,
		"DHT_Temperature": 22.0,
		"Accel_X":         0.0,
		"Accel_Y":         true,
		"Accel_Z":         9.81,
	}
	r, err := mustPreset(t, PresetAccelerometer).MapAndValidate(fields, fixedNow)
	if r != nil {
		t.Fatalf("no partial reading may be returned, got %v", r)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	want := []string{"accelY", "altitude", "pressure"}
	if got := ve.Attributes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("offending attributes = %v, want %v", got, want)
	}
}

func TestNonFiniteRejected(t *testing.T) {
	t.Parallel()

	s := mustPreset(t, PresetLabelled)
	fields := model.Fields{"temperature": math.NaN(), "humidity": 40.0, "dhtTemperature": math.Inf(1)}
	_, err := s.MapAndValidate(fields, fixedNow)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if got := ve.Attributes(); !reflect.DeepEqual(got, []string{"secondaryTemperature", "temperature"}) {
		t.Fatalf("offending attributes = %v", got)
	}
}

func TestOptionalAttributesOmitted(t *testing.T) {
	t.Parallel()

	s := mustPreset(t, PresetLabelled)
	r, err := s.MapAndValidate(model.Fields{"temperature": 23.4, "humidity": 50.0, "dhtTemperature": 21.0}, fixedNow)
	if err != nil {
		t.Fatalf("MapAndValidate: %v", err)
	}
	if r.Pressure != nil || r.Altitude != nil || r.AccelX != nil {
		t.Fatalf("absent optional attributes must stay nil, got %v", r)
	}
	if v, _ := r.Get(model.AttrSecondaryTemperature); v != 21.0 {
		t.Fatalf("secondaryTemperature = %v, want 21", v)
	}
}

func TestCanonicalNamesAccepted(t *testing.T) {
	t.Parallel()

	s := mustPreset(t, PresetEnvironmental)
	fields := model.Fields{
		"temperature": 1.0, "pressure": 2.0, "altitude": 3.0,
		"humidity": 4.0, "secondaryTemperature": 5.0,
	}
	if _, err := s.MapAndValidate(fields, fixedNow); err != nil {
		t.Fatalf("canonical keys should map without renaming: %v", err)
	}
}

func TestLegacyIgnoresCombinedTemp(t *testing.T) {
	t.Parallel()

	fields := model.Fields{
		"temperature": 20.0, "pressure": 1000.0, "altitude": 10.0, "humidity": 30.0,
		"dhtTemp": 21.0, "combinedTemp": 20.5, "accelX": 0.0, "accelY": 0.0, "accelZ": 9.8,
	}
	r, err := mustPreset(t, PresetLegacy).MapAndValidate(fields, fixedNow)
	if err != nil {
		t.Fatalf("MapAndValidate: %v", err)
	}
	if v, _ := r.Get(model.AttrSecondaryTemperature); v != 21.0 {
		t.Fatalf("secondaryTemperature = %v, want 21", v)
	}
	if len(r.Values()) != 8 {
		t.Fatalf("values = %v, want 8 attributes", r.Values())
	}
}

func TestSuppliedTimestamp(t *testing.T) {
	t.Parallel()

	s := mustPreset(t, PresetLabelled)
	base := model.Fields{"temperature": 1.0, "humidity": 2.0, "dhtTemperature": 3.0}

	tests := []struct {
		name string
		raw  any
		want time.Time
	}{
		{"rfc3339", "2025-01-02T03:04:05+02:00", time.Date(2025, 1, 2, 1, 4, 5, 0, time.UTC)},
		{"epoch millis", float64(1735787045000), time.UnixMilli(1735787045000).UTC()},
		{"unparseable falls back to now", "yesterday", fixedNow.UTC()},
		{"sub-microsecond digits truncated", "2025-01-02T03:04:05.123456789Z", time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC)},
		{"epoch millis out of range falls back to now", float64(1e300), fixedNow.UTC()},
		{"epoch millis past year 2262 falls back to now", float64(1e13), fixedNow.UTC()},
	}
	for _, tt := range tests {
		fields := base.Clone()
		fields["timestamp"] = tt.raw
		r, err := s.MapAndValidate(fields, fixedNow)
		if err != nil {
			t.Fatalf("%s: MapAndValidate: %v", tt.name, err)
		}
		if !r.Timestamp.Equal(tt.want) || r.Timestamp.Location() != time.UTC {
			t.Errorf("%s: timestamp = %v, want %v UTC", tt.name, r.Timestamp, tt.want)
		}
	}
}

func TestAssignedTimestampTruncatedToMicroseconds(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	fields := model.Fields{"temperature": 1.0, "humidity": 2.0, "dhtTemperature": 3.0}
	r, err := mustPreset(t, PresetLabelled).MapAndValidate(fields, now)
	if err != nil {
		t.Fatalf("MapAndValidate: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 0, 0, 123456000, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", r.Timestamp, want)
	}
}

func TestCompleteTracksRequiredSources(t *testing.T) {
	t.Parallel()

	s := mustPreset(t, PresetLabelled)
	if s.Complete(model.Fields{"temperature": 1.0, "humidity": 2.0}) {
		t.Fatal("missing secondary temperature should be incomplete")
	}
	if !s.Complete(model.Fields{"temperature": 1.0, "humidity": 2.0, "dhtTemperature": 3.0}) {
		t.Fatal("all required labels present should be complete")
	}
}

func TestLabelledAccumulationScenario(t *testing.T) {
	t.Parallel()

	s := mustPreset(t, PresetLabelled)
	acc := decode.NewAccumulator(decode.NewDecoder(), s)

	if _, done, err := acc.Feed("Temperature = 23.4 *C"); done || err != nil {
		t.Fatalf("first line = %v, %v; want pending", done, err)
	}
	fields, done, err := acc.Feed("Humidity: 50% Temperature: 21.0°C")
	if err != nil || !done {
		t.Fatalf("second line = %v, %v; want complete", done, err)
	}
	r, err := s.MapAndValidate(fields, fixedNow)
	if err != nil {
		t.Fatalf("MapAndValidate: %v", err)
	}
	want := map[model.Attribute]float64{
		model.AttrTemperature:          23.4,
		model.AttrHumidity:             50,
		model.AttrSecondaryTemperature: 21.0,
	}
	if got := r.Values(); !reflect.DeepEqual(got, want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	doc := []byte(`
name: bench
fields:
  - attribute: temperature
    sources: [T]
    required: true
  - attribute: accelZ
    sources: [AZ]
timestamp_sources: [ts]
`)
	s, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, err := s.MapAndValidate(model.Fields{"T": 10.0, "ts": "2025-01-01T00:00:00Z"}, fixedNow)
	if err != nil {
		t.Fatalf("MapAndValidate: %v", err)
	}
	if r.AccelZ != nil {
		t.Fatal("optional accelZ should be absent")
	}
	if !r.Timestamp.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}
}

func TestParseRejectsBadSchemas(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown attribute": "fields:\n  - attribute: combinedTemp\n    sources: [c]\n",
		"duplicate":         "fields:\n  - attribute: humidity\n    sources: [a]\n  - attribute: humidity\n    sources: [b]\n",
		"no sources":        "fields:\n  - attribute: humidity\n",
		"no fields":         "name: empty\n",
		"bad yaml":          "fields: [",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected Parse error", name)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	s, err := Resolve("", "")
	if err != nil || s.Name != DefaultPreset {
		t.Fatalf("Resolve default = %v, %v", s, err)
	}
	if _, err := Resolve("nope", ""); err == nil {
		t.Fatal("unknown preset should fail")
	}

	path := filepath.Join(t.TempDir(), "schema.yml")
	if err := os.WriteFile(path, []byte("name: file\nfields:\n  - attribute: pressure\n    sources: [p]\n    required: true\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err = Resolve(PresetLegacy, path)
	if err != nil {
		t.Fatalf("Resolve file: %v", err)
	}
	if s.Name != "file" {
		t.Fatalf("schema file should win over preset, got %q", s.Name)
	}
}

func TestPresetsAreValid(t *testing.T) {
	t.Parallel()

	for _, name := range PresetNames() {
		if err := mustPreset(t, name).Validate(); err != nil {
			t.Errorf("preset %s invalid: %v", name, err)
		}
	}
}
