package view

import (
	"fmt"
	"time"

	"threatwatch/pkg/models"
)

// Palette colors distribution slices by breakdown position.
var Palette = []string{"#ef4444", "#f97316", "#eab308", "#3b82f6", "#8b5cf6"}

// UnclassifiedColor is used for severities outside the known tiers.
const UnclassifiedColor = "#888888"

var severityColors = map[models.Severity]string{
	models.SeverityCritical: "#ef4444",
	models.SeverityHigh:     "#f97316",
	models.SeverityMedium:   "#eab308",
	models.SeverityLow:      "#22c55e",
}

// Slice is one distribution entry.
type Slice struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
	Color string `json:"color"`
}

// DistributionSlices maps the summary breakdown to colored slices. A nil
// summary yields no slices.
func DistributionSlices(summary *models.Summary) []Slice {
	if summary == nil {
		return []Slice{}
	}
	out := make([]Slice, 0, len(summary.Breakdown))
	for i, b := range summary.Breakdown {
		out = append(out, Slice{
			Name:  b.Type,
			Value: b.Count,
			Color: Palette[i%len(Palette)],
		})
	}
	return out
}

// SeverityColor returns the display color for s.
func SeverityColor(s models.Severity) string {
	if c, ok := severityColors[s]; ok {
		return c
	}
	return UnclassifiedColor
}

// Tier is the notification decision for one alert.
type Tier int

const (
	Suppress Tier = iota
	Warn
	Alert
)

func (t Tier) String() string {
	switch t {
	case Alert:
		return "alert"
	case Warn:
		return "warn"
	default:
		return "suppress"
	}
}

// NotificationFor decides whether an alert should be surfaced.
func NotificationFor(a models.Alert) Tier {
	switch a.Severity {
	case models.SeverityCritical:
		return Alert
	case models.SeverityHigh:
		return Warn
	default:
		return Suppress
	}
}

// Notification is what the core hands to a notification sink.
type Notification struct {
	AlertID    string          `json:"alert_id"`
	Tier       string          `json:"tier"`
	Severity   models.Severity `json:"severity"`
	Message    string          `json:"message"`
	DurationMs int             `json:"duration_ms"`
}

// BuildNotification returns the notification for a, or false when the alert
// is suppressed.
func BuildNotification(a models.Alert) (Notification, bool) {
	tier := NotificationFor(a)
	var duration time.Duration
	switch tier {
	case Alert:
		duration = 3 * time.Second
	case Warn:
		duration = 2 * time.Second
	default:
		return Notification{}, false
	}
	return Notification{
		AlertID:    a.ID,
		Tier:       tier.String(),
		Severity:   a.Severity,
		Message:    fmt.Sprintf("%s from %s", a.ThreatType, sourceOrUnknown(a.SourceIP)),
		DurationMs: int(duration / time.Millisecond),
	}, true
}

// StatCards are the headline counters. Absent summary reads as zero.
type StatCards struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
}

// Cards derives the headline counters.
func Cards(summary *models.Summary) StatCards {
	if summary == nil {
		return StatCards{}
	}
	return StatCards{
		Total:    summary.TotalAlerts,
		Critical: summary.Critical,
		High:     summary.High,
		Medium:   summary.Medium,
	}
}

// Row is one alert list line ready for display.
type Row struct {
	ID          string `json:"id"`
	ThreatType  string `json:"threat_type"`
	Severity    string `json:"severity"`
	Color       string `json:"color"`
	Source      string `json:"source"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
	Time        string `json:"time"`
}

// Rows formats alerts for display. Unknown times render as empty strings.
func Rows(alerts []models.Alert, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	out := make([]Row, 0, len(alerts))
	for _, a := range alerts {
		r := Row{
			ID:          a.ID,
			ThreatType:  a.ThreatType,
			Severity:    a.Severity.String(),
			Color:       SeverityColor(a.Severity),
			Source:      sourceOrUnknown(a.SourceIP),
			Protocol:    a.Protocol,
			Description: a.Description,
		}
		if a.HasTime() {
			r.Time = a.CreatedAt.In(loc).Format("15:04:05")
		}
		out = append(out, r)
	}
	return out
}

func sourceOrUnknown(ip string) string {
	if ip == "" {
		return "Unknown"
	}
	return ip
}
