package notify

import "github.com/agenthive/orchestrator-core/internal/event"

// severityRank orders the monitor's escalation severities (spec.md §4.6)
// for the external channels' min-severity filtering. Events that carry no
// "severity" payload field (ordinary task lifecycle events) rank lowest.
func severityRank(e event.Event) int {
	sev, _ := e.Payload["severity"].(string)
	switch sev {
	case "system-failure":
		return 4
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}

// MeetsMinSeverity reports whether e's severity is at or above min ("",
// "medium", "high", "critical", "system-failure"). An empty min admits
// every event, including ones with no severity field at all.
func MeetsMinSeverity(e event.Event, min string) bool {
	if min == "" {
		return true
	}
	return severityRank(e) >= severityRank(event.Event{Payload: map[string]any{"severity": min}})
}

// MatchesTypes reports whether e.Type is in types, or types is empty.
func MatchesTypes(e event.Event, types []event.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if e.Type == t {
			return true
		}
	}
	return false
}
