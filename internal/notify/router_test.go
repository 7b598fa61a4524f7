package notify

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/agenthive/orchestrator-core/internal/event"
)

type recordingChannel struct {
	name    string
	wants   func(event.Event) bool
	sent    int32
	failAll bool
}

func (c *recordingChannel) Name() string                    { return c.name }
func (c *recordingChannel) ShouldNotify(e event.Event) bool { return c.wants(e) }
func (c *recordingChannel) Send(e event.Event) error {
	atomic.AddInt32(&c.sent, 1)
	if c.failAll {
		return fmt.Errorf("simulated failure")
	}
	return nil
}

func TestRouteWithWaitDeliversOnlyToMatchingChannels(t *testing.T) {
	wantAll := &recordingChannel{name: "all", wants: func(event.Event) bool { return true }}
	wantNone := &recordingChannel{name: "none", wants: func(event.Event) bool { return false }}
	r := NewRouter([]Channel{wantAll, wantNone})

	r.RouteWithWait(event.New(event.TypeTaskCompleted, "test", "task-1", nil))

	if atomic.LoadInt32(&wantAll.sent) != 1 {
		t.Errorf("expected 1 send to wantAll, got %d", wantAll.sent)
	}
	if atomic.LoadInt32(&wantNone.sent) != 0 {
		t.Errorf("expected 0 sends to wantNone, got %d", wantNone.sent)
	}
}

func TestRouteWithWaitToleratesChannelFailure(t *testing.T) {
	failing := &recordingChannel{name: "failing", wants: func(event.Event) bool { return true }, failAll: true}
	ok := &recordingChannel{name: "ok", wants: func(event.Event) bool { return true }}
	r := NewRouter([]Channel{failing, ok})

	r.RouteWithWait(event.New(event.TypeMonitorEscalation, "test", "task-1", nil))

	if atomic.LoadInt32(&ok.sent) != 1 {
		t.Errorf("expected ok channel to still receive the event, got %d sends", ok.sent)
	}
}

func TestAddAndRemoveChannel(t *testing.T) {
	r := NewRouter(nil)
	r.AddChannel(&recordingChannel{name: "slack", wants: func(event.Event) bool { return true }})
	r.AddChannel(&recordingChannel{name: "discord", wants: func(event.Event) bool { return true }})
	if got := r.GetChannels(); len(got) != 2 {
		t.Fatalf("expected 2 channels, got %v", got)
	}
	r.RemoveChannel("slack")
	got := r.GetChannels()
	if len(got) != 1 || got[0] != "discord" {
		t.Fatalf("expected only discord left, got %v", got)
	}
}

func TestMeetsMinSeverity(t *testing.T) {
	critical := event.New(event.TypeMonitorEscalation, "monitor", "task-1", map[string]any{"severity": "critical"})
	medium := event.New(event.TypeMonitorEscalation, "monitor", "task-1", map[string]any{"severity": "medium"})
	plain := event.New(event.TypeTaskCompleted, "monitor", "task-1", nil)

	if !MeetsMinSeverity(critical, "high") {
		t.Error("expected critical to meet min high")
	}
	if MeetsMinSeverity(medium, "high") {
		t.Error("expected medium to not meet min high")
	}
	if !MeetsMinSeverity(plain, "") {
		t.Error("expected empty min to admit every event")
	}
	if MeetsMinSeverity(plain, "medium") {
		t.Error("expected a severity-less event to not meet a non-empty min")
	}
}

func TestMatchesTypes(t *testing.T) {
	e := event.New(event.TypeTaskFailed, "monitor", "task-1", nil)
	if !MatchesTypes(e, nil) {
		t.Error("expected nil types to match everything")
	}
	if !MatchesTypes(e, []event.Type{event.TypeTaskFailed, event.TypeTaskCompleted}) {
		t.Error("expected type to be found in list")
	}
	if MatchesTypes(e, []event.Type{event.TypeTaskCompleted}) {
		t.Error("expected type not in list to not match")
	}
}
