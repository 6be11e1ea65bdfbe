package decode

import (
	"sort"
	"strconv"
	"strings"

	"github.com/tinytelemetry/sensord/internal/model"
)

// LabelPattern extracts one scalar field from a free-form line.
// Label is matched literally; the text after it, up to the next matched label,
// is the value once any of the Units suffixes are stripped.
type LabelPattern struct {
	Label string   `yaml:"label"`
	Key   string   `yaml:"key"`
	Units []string `yaml:"units"`
}

// DefaultLabels returns the label set printed by the reference BMP180/DHT11 firmware.
func DefaultLabels() []LabelPattern {
	return []LabelPattern{
		{Label: "Temperature =", Key: "temperature", Units: []string{" *C", "*C", "°C"}},
		{Label: "Pressure =", Key: "pressure", Units: []string{" Pa", "Pa"}},
		{Label: "Approx altitude =", Key: "altitude", Units: []string{" m", "m"}},
		{Label: "Altitude =", Key: "altitude", Units: []string{" m", "m"}},
		{Label: "Humidity:", Key: "humidity", Units: []string{" %", "%"}},
		{Label: "Temperature:", Key: "dhtTemperature", Units: []string{" °C", "°C", " *C", "*C"}},
	}
}

type labelMatch struct {
	start, end int
	pattern    *LabelPattern
}

// matchLabels finds every non-overlapping label occurrence in line and
// extracts its value. On overlap the earliest, then longest, label wins.
func matchLabels(line string, patterns []LabelPattern) model.Fields {
	var matches []labelMatch
	for i := range patterns {
		p := &patterns[i]
		if p.Label == "" {
			continue
		}
		for off := 0; off < len(line); {
			idx := strings.Index(line[off:], p.Label)
			if idx < 0 {
				break
			}
			start := off + idx
			matches = append(matches, labelMatch{start: start, end: start + len(p.Label), pattern: p})
			off = start + len(p.Label)
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	kept := matches[:0]
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.end
	}

	fields := make(model.Fields, len(kept))
	for i, m := range kept {
		valueEnd := len(line)
		if i+1 < len(kept) {
			valueEnd = kept[i+1].start
		}
		raw := strings.TrimSpace(line[m.end:valueEnd])
		if raw == "" {
			continue
		}
		fields[m.pattern.Key] = parseLabelValue(raw, m.pattern.Units)
	}
	return fields
}

// parseLabelValue strips a unit suffix and parses a number. Text that is not
// numeric is returned verbatim so validation can report it.
func parseLabelValue(raw string, units []string) any {
	value := raw
	for _, unit := range sortedByLength(units) {
		if unit != "" && strings.HasSuffix(value, unit) {
			value = strings.TrimSpace(strings.TrimSuffix(value, unit))
			break
		}
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return raw
}

func sortedByLength(units []string) []string {
	out := append([]string(nil), units...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
