package models

// Summary is the backend aggregate over recent alerts. It is replaced
// wholesale on every refresh.
type Summary struct {
	TotalAlerts int              `json:"total_alerts"`
	Critical    int              `json:"critical"`
	High        int              `json:"high"`
	Medium      int              `json:"medium"`
	Breakdown   []BreakdownEntry `json:"breakdown"`
}

// BreakdownEntry is one per-category count. Order is backend-determined.
type BreakdownEntry struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Clone deep-copies the summary. A nil receiver yields nil.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	out := *s
	if s.Breakdown != nil {
		out.Breakdown = make([]BreakdownEntry, len(s.Breakdown))
		copy(out.Breakdown, s.Breakdown)
	}
	return &out
}

// TrafficPoint is one timeline sample, appended per received push event.
type TrafficPoint struct {
	TimeLabel   string `json:"time"`
	ThreatCount int    `json:"threats"`
}
