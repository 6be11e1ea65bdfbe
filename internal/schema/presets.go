package schema

import (
	"fmt"
	"os"
	"sort"

	"github.com/tinytelemetry/sensord/internal/model"
	"gopkg.in/yaml.v3"
)

// Preset names.
const (
	PresetAccelerometer = "accelerometer"
	PresetEnvironmental = "environmental"
	PresetLegacy        = "legacy"
	PresetLabelled      = "labelled"
)

// DefaultPreset is the schema used when none is configured.
const DefaultPreset = PresetAccelerometer

// field builds a FieldSpec whose sources are the given keys followed by the
// canonical attribute name itself.
func field(a model.Attribute, required bool, sources ...string) FieldSpec {
	return FieldSpec{Attribute: a, Required: required, Sources: append(sources, string(a))}
}

var presets = map[string]func() *Schema{
	PresetAccelerometer: func() *Schema {
		return &Schema{
			Name: PresetAccelerometer,
			Fields: []FieldSpec{
				field(model.AttrTemperature, true, "BMP_Temperature"),
				field(model.AttrPressure, true, "BMP_Pressure"),
				field(model.AttrAltitude, true, "BMP_Altitude"),
				field(model.AttrHumidity, true, "DHT_Humidity"),
				field(model.AttrSecondaryTemperature, true, "DHT_Temperature"),
				field(model.AttrAccelX, true, "Accel_X"),
				field(model.AttrAccelY, true, "Accel_Y"),
				field(model.AttrAccelZ, true, "Accel_Z"),
			},
		}
	},
	PresetEnvironmental: func() *Schema {
		return &Schema{
			Name: PresetEnvironmental,
			Fields: []FieldSpec{
				field(model.AttrTemperature, true, "BMP_Temperature"),
				field(model.AttrPressure, true, "BMP_Pressure"),
				field(model.AttrAltitude, true, "BMP_Altitude"),
				field(model.AttrHumidity, true, "DHT_Humidity"),
				field(model.AttrSecondaryTemperature, true, "DHT_Temperature"),
			},
		}
	},
	PresetLegacy: func() *Schema {
		return &Schema{
			Name: PresetLegacy,
			Fields: []FieldSpec{
				field(model.AttrTemperature, true),
				field(model.AttrPressure, true),
				field(model.AttrAltitude, true),
				field(model.AttrHumidity, true),
				field(model.AttrSecondaryTemperature, true, "dhtTemp"),
				field(model.AttrAccelX, true),
				field(model.AttrAccelY, true),
				field(model.AttrAccelZ, true),
			},
		}
	},
	PresetLabelled: func() *Schema {
		return &Schema{
			Name: PresetLabelled,
			Fields: []FieldSpec{
				field(model.AttrTemperature, true),
				field(model.AttrPressure, false),
				field(model.AttrAltitude, false),
				field(model.AttrHumidity, true),
				field(model.AttrSecondaryTemperature, true, "dhtTemperature"),
			},
		}
	},
}

// Preset returns a fresh copy of the named built-in schema.
func Preset(name string) (*Schema, error) {
	build, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("schema: unknown preset %q (known: %v)", name, PresetNames())
	}
	return build(), nil
}

// PresetNames lists the built-in schema names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes and validates a YAML schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("schema: parse yaml: %w", err)
	}
	if s.Name == "" {
		s.Name = "custom"
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads a YAML schema from path.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Parse(data)
}

// Resolve returns the schema from file when path is set, else the named preset.
func Resolve(preset, path string) (*Schema, error) {
	if path != "" {
		return LoadFile(path)
	}
	if preset == "" {
		preset = DefaultPreset
	}
	return Preset(preset)
}
