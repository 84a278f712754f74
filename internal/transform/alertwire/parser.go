package alertwire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/logger"
	"threatwatch/pkg/models"
)

// UnknownThreatType labels alerts whose backend record has no category.
const UnknownThreatType = "Unknown"

// alertNamespace scopes synthesized alert ids.
var alertNamespace = uuid.MustParse("6f1c8a5e-3b7d-4e59-9a0c-2d41f0b8c7e3")

// Parse converts one backend alert record into an Alert.
func Parse(data []byte) (models.Alert, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if raw == nil {
		return models.Alert{}, fmt.Errorf("decode alert: payload is not an object")
	}
	return fromMap(raw), nil
}

// ParseList decodes a bulk fetch response. Entries that are not objects are
// skipped.
func ParseList(data []byte) ([]models.Alert, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode alert list: %w", err)
	}

	out := make([]models.Alert, 0, len(raw))
	for i, item := range raw {
		alert, err := Parse(item)
		if err != nil {
			logger.Warnf("Skipping malformed alert at index %d: %v", i, err)
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// ParseSummary decodes a summary response.
func ParseSummary(data []byte) (*models.Summary, error) {
	var s models.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}

func fromMap(raw map[string]interface{}) models.Alert {
	alert := models.Alert{
		ID:               getString(raw, "id", "alert_id"),
		ThreatType:       strings.TrimSpace(getString(raw, "threat_type")),
		Severity:         models.NormalizeSeverity(getString(raw, "severity")),
		SourceIP:         getString(raw, "src_ip"),
		DestIP:           getString(raw, "dst_ip"),
		Protocol:         getString(raw, "protocol"),
		PacketCount:      getInt(raw, "packet_count"),
		Description:      getString(raw, "description"),
		MitreTechniqueID: getString(raw, "mitre_technique_id", "mitre.technique_id"),
		MitreTactic:      getString(raw, "mitre_tactic", "mitre.tactic"),
	}
	if alert.ThreatType == "" {
		alert.ThreatType = UnknownThreatType
	}
	if ts, ok := parseTime(getString(raw, "created_at")); ok {
		alert.CreatedAt = &ts
	}
	if alert.ID == "" {
		alert.ID = SynthesizeID(alert)
	}
	return alert
}

// SynthesizeID derives an id for records the backend sent without one.
// Records with a creation time get a stable id over (createdAt, srcIp,
// threatType); the rest get a random one.
func SynthesizeID(a models.Alert) string {
	if !a.HasTime() {
		return uuid.NewString()
	}
	key := a.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + a.SourceIP + "|" + a.ThreatType
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}

	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case string:
				return val
			case float64:
				if val == float64(int64(val)) {
					return fmt.Sprintf("%d", int64(val))
				}
				return fmt.Sprintf("%f", val)
			case bool:
				if val {
					return "true"
				}
				return "false"
			}
		}
	}
	return ""
}

func getInt(root map[string]interface{}, paths ...string) int {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case float64:
				return int(val)
			case string:
				if val == "" {
					continue
				}
				var parsed int
				if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
					return parsed
				}
			}
		}
	}
	return 0
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok || v == nil {
			return nil, false
		}
		current = v
	}
	return current, true
}
