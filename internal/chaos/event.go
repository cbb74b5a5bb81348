package chaos

import (
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	PodCrash      Kind = "pod_crash"
	NodeCordon    Kind = "node_cordon"
	NodeDrain     Kind = "node_drain"
	BurstTraffic  Kind = "burst_traffic"
	OOMStorm      Kind = "oom_storm"
	NetpolLockout Kind = "netpol_lockout"
	ProbeFailure  Kind = "probe_failure"
)

var kinds = map[Kind]bool{
	PodCrash: true, NodeCordon: true, NodeDrain: true, BurstTraffic: true,
	OOMStorm: true, NetpolLockout: true, ProbeFailure: true,
}

// Known reports whether k is a chaos kind the injector understands.
func Known(k Kind) bool { return kinds[k] }

// Target selects what an event hits. Exactly one of the fields is normally set;
// for pod-level kinds Pods wins over Workload, which wins over Selector.
type Target struct {
	Pods      []string          `json:"pods,omitempty"`
	Workload  string            `json:"workload,omitempty"`
	Node      string            `json:"node,omitempty"`
	Policy    string            `json:"policy,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Selector  map[string]string `json:"selector,omitempty"`
}

func (t Target) String() string {
	switch {
	case len(t.Pods) > 0:
		pods := append([]string(nil), t.Pods...)
		sort.Strings(pods)
		return "pods/" + strings.Join(pods, ",")
	case t.Workload != "":
		return "workload/" + t.Workload
	case t.Node != "":
		return "node/" + t.Node
	case t.Policy != "":
		return "policy/" + t.Policy
	case len(t.Selector) > 0:
		keys := make([]string, 0, len(t.Selector))
		for k := range t.Selector {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + t.Selector[k]
		}
		return "selector/" + strings.Join(parts, ",")
	}
	return "none"
}

// Event is a fault scheduled at a tick. Magnitude is in millicores for
// burst_traffic and bytes for oom_storm; other kinds ignore it.
type Event struct {
	ID          string  `json:"id"`
	Kind        Kind    `json:"kind"`
	Tick        int     `json:"tick"`
	Target      Target  `json:"target"`
	Magnitude   int64   `json:"magnitude,omitempty"`
	Probability float64 `json:"probability,omitempty"`
}

// Key identifies what the event does independent of when it happens.
func (e Event) Key() string {
	return string(e.Kind) + ":" + e.Target.String()
}

// Occurrence identifies one scheduled firing of the event.
func (e Event) Occurrence() string {
	return fmt.Sprintf("%s@%d", e.ID, e.Tick)
}

// Schedule is an ordered list of chaos events.
type Schedule []Event

// At returns the events scheduled for tick in id order.
func (s Schedule) At(tick int) []Event {
	var out []Event
	for _, e := range s {
		if e.Tick == tick {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// With returns a new schedule holding s followed by extra.
func (s Schedule) With(extra ...Event) Schedule {
	out := make(Schedule, 0, len(s)+len(extra))
	out = append(out, s...)
	return append(out, extra...)
}

// After returns the events scheduled at or after tick.
func (s Schedule) After(tick int) Schedule {
	var out Schedule
	for _, e := range s {
		if e.Tick >= tick {
			out = append(out, e)
		}
	}
	return out
}

// Rebase shifts a sequence so its earliest event lands on start, keeping the
// relative spacing, and prefixes ids so the copies never collide with the
// originals.
func Rebase(events []Event, start int, prefix string) []Event {
	if len(events) == 0 {
		return nil
	}
	first := events[0].Tick
	for _, e := range events {
		first = min(first, e.Tick)
	}
	out := make([]Event, len(events))
	for i, e := range events {
		e.ID = prefix + e.ID
		e.Tick = start + e.Tick - first
		out[i] = e
	}
	return out
}

// Fingerprint is a stable description of a schedule, used in cache keys.
func (s Schedule) Fingerprint() string {
	parts := make([]string, len(s))
	for i, e := range s {
		parts[i] = fmt.Sprintf("%s/%s/%d/%d/%g", e.Occurrence(), e.Key(), e.Tick, e.Magnitude, e.Probability)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
