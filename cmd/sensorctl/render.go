package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/sensord/internal/model"
)

var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	noteStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

var attributeUnits = map[model.Attribute]string{
	model.AttrTemperature:          "°C",
	model.AttrPressure:             "Pa",
	model.AttrAltitude:             "m",
	model.AttrHumidity:             "%",
	model.AttrSecondaryTemperature: "°C",
}

// renderReading formats one reading as a single styled line. Absent
// attributes are omitted.
func renderReading(r *model.Reading) string {
	var b strings.Builder
	b.WriteString(timeStyle.Render(r.Timestamp.UTC().Format(time.RFC3339)))
	for _, a := range model.Attributes {
		v, ok := r.Get(a)
		if !ok {
			continue
		}
		b.WriteString("  ")
		b.WriteString(labelStyle.Render(string(a)))
		b.WriteString("=")
		b.WriteString(valueStyle.Render(fmt.Sprintf("%.2f%s", v, attributeUnits[a])))
	}
	return b.String()
}

func renderNote(msg string) string {
	return noteStyle.Render(msg)
}
