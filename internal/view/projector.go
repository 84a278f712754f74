package view

import (
	"sync"

	"threatwatch/internal/store"
	"threatwatch/pkg/models"
)

// FilterAll is the sentinel criterion that selects every alert.
const FilterAll = "ALL"

// FilterTokens is the flat token list offered by the filter bar: severity
// tiers and threat categories share one control.
var FilterTokens = []string{"ALL", "CRITICAL", "HIGH", "MEDIUM", "DDoS", "Port Scan", "Brute Force", "ML Anomaly"}

// FilterAlerts selects alerts whose severity or threat type equals criterion.
// FilterAll returns the input unchanged.
func FilterAlerts(alerts []models.Alert, criterion string) []models.Alert {
	if criterion == FilterAll {
		return alerts
	}
	out := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		if string(a.Severity) == criterion || a.ThreatType == criterion {
			out = append(out, a)
		}
	}
	return out
}

// Projector memoizes filtered views per snapshot version and criterion.
type Projector struct {
	mu      sync.Mutex
	version uint64
	cache   map[string][]models.Alert
}

// NewProjector creates an empty projector.
func NewProjector() *Projector {
	return &Projector{cache: make(map[string][]models.Alert)}
}

// Filter returns FilterAlerts(snap.Alerts, criterion), reusing the previous
// result when neither the snapshot version nor the criterion changed. Each
// caller gets its own copy of the cached slice.
func (p *Projector) Filter(snap store.Snapshot, criterion string) []models.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version != p.version {
		p.version = snap.Version
		p.cache = make(map[string][]models.Alert)
	}
	out, ok := p.cache[criterion]
	if !ok {
		out = append([]models.Alert(nil), FilterAlerts(snap.Alerts, criterion)...)
		p.cache[criterion] = out
	}
	return append([]models.Alert(nil), out...)
}

// Reset drops every memoized view older than version.
func (p *Projector) Reset(version uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version != p.version {
		p.version = version
		p.cache = make(map[string][]models.Alert)
	}
}
