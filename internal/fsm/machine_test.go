package fsm_test

import (
	"errors"
	"testing"
	"time"

	"slabscan/internal/fsm"
	"slabscan/internal/services"
)

type light string

const (
	red    light = "red"
	green  light = "green"
	yellow light = "yellow"
)

func trafficTable() fsm.Table[light] {
	return fsm.NewTable(map[light][]light{
		red:    {green},
		green:  {yellow},
		yellow: {red},
	})
}

func TestAdvanceFollowsTable(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := fsm.New[light, int]("traffic", trafficTable(), red, fsm.WithClock(func() time.Time { return fixed }))

	if err := m.Advance(green, 1); err != nil {
		t.Fatalf("advance to green: %v", err)
	}
	if err := m.Advance(yellow, 2); err != nil {
		t.Fatalf("advance to yellow: %v", err)
	}
	if m.Current() != yellow {
		t.Fatalf("expected yellow, got %s", m.Current())
	}
	if p, ok := m.Payload(green); !ok || p != 1 {
		t.Fatalf("expected green payload 1, got %v %v", p, ok)
	}
	history := m.History()
	if len(history) != 2 || history[0].From != red || history[1].To != yellow || !history[0].At.Equal(fixed) {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestAdvanceRejectsUndeclaredEdge(t *testing.T) {
	m := fsm.New[light, string]("traffic", trafficTable(), red)
	err := m.Advance(yellow, "skip")
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !errors.Is(err, services.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition marker, got %v", err)
	}
	if m.Current() != red {
		t.Fatalf("state must be unchanged, got %s", m.Current())
	}
	if _, ok := m.Payload(yellow); ok {
		t.Fatal("payload must not be stored for a rejected transition")
	}
}

func TestResetDropsPayloads(t *testing.T) {
	m := fsm.New[light, string]("traffic", trafficTable(), red)
	if err := m.Advance(green, "go"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	m.Reset()
	if m.Current() != red {
		t.Fatalf("expected initial state after reset, got %s", m.Current())
	}
	if _, ok := m.Payload(green); ok {
		t.Fatal("expected payloads cleared")
	}
	if len(m.History()) != 1 {
		t.Fatal("expected history preserved across reset")
	}
}

func TestTableNextKeepsDeclaredOrder(t *testing.T) {
	table := fsm.NewTable(map[string][]string{"a": {"c", "b"}})
	next := table.Next("a")
	if len(next) != 2 || next[0] != "c" || next[1] != "b" {
		t.Fatalf("unexpected order %v", next)
	}
	if table.Allows("b", "a") {
		t.Fatal("undeclared edge must not be allowed")
	}
}
