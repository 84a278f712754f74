package models

import "time"

// Alert is one reported security event. Values are never mutated after they
// enter the store.
type Alert struct {
	ID               string     `json:"id"`
	ThreatType       string     `json:"threat_type"`
	Severity         Severity   `json:"severity"`
	SourceIP         string     `json:"src_ip,omitempty"`
	DestIP           string     `json:"dst_ip,omitempty"`
	Protocol         string     `json:"protocol"`
	PacketCount      int        `json:"packet_count,omitempty"`
	Description      string     `json:"description"`
	MitreTechniqueID string     `json:"mitre_technique_id,omitempty"`
	MitreTactic      string     `json:"mitre_tactic,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
}

// HasTime reports whether the backend supplied a creation time.
func (a Alert) HasTime() bool {
	return a.CreatedAt != nil && !a.CreatedAt.IsZero()
}

// Clone returns a copy that shares no pointers with a.
func (a Alert) Clone() Alert {
	if a.CreatedAt != nil {
		t := *a.CreatedAt
		a.CreatedAt = &t
	}
	return a
}
