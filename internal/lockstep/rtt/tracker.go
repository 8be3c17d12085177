package rtt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

// Mode selects how per-faction averages combine into one session value.
type Mode int

const (
	AverageOfAverages Mode = iota
	MaxOfAverages
)

func (m Mode) String() string {
	switch m {
	case AverageOfAverages:
		return "average"
	case MaxOfAverages:
		return "max"
	default:
		return "unknown"
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts "average" or "max".
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "average", "avg", "average_of_averages":
		return AverageOfAverages, nil
	case "max", "highest", "max_of_averages":
		return MaxOfAverages, nil
	default:
		return AverageOfAverages, fmt.Errorf("invalid rtt aggregation mode: %s", s)
	}
}

// Log is a fixed-capacity ring of samples; the oldest sample is overwritten.
type Log struct {
	samples []time.Duration
	next    int
	full    bool
}

// NewLog creates a log retaining capacity samples (minimum 1).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{samples: make([]time.Duration, capacity)}
}

func (l *Log) Record(sample time.Duration) {
	l.samples[l.next] = sample
	l.next = (l.next + 1) % len(l.samples)
	if l.next == 0 {
		l.full = true
	}
}

// Len returns the number of retained samples.
func (l *Log) Len() int {
	if l.full {
		return len(l.samples)
	}
	return l.next
}

// Average returns the mean of non-zero samples, or 0.
func (l *Log) Average() time.Duration {
	var sum time.Duration
	var n int64
	for i := 0; i < l.Len(); i++ {
		// zero samples belong to turns that were never measured
		if l.samples[i] <= 0 {
			continue
		}
		sum += l.samples[i]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Samples returns the retained samples oldest first.
func (l *Log) Samples() []time.Duration {
	out := make([]time.Duration, 0, l.Len())
	if l.full {
		out = append(out, l.samples[l.next:]...)
		out = append(out, l.samples[:l.next]...)
		return out
	}
	return append(out, l.samples[:l.next]...)
}

// Tracker keeps one Log per faction. It is not safe for concurrent use; the owning
// coordinator serialises access.
type Tracker struct {
	capacity int
	logs     map[protocol.FactionID]*Log
}

func NewTracker(capacity int) *Tracker {
	return &Tracker{
		capacity: capacity,
		logs:     make(map[protocol.FactionID]*Log),
	}
}

// Track registers a faction without samples so it takes part in averaging.
func (t *Tracker) Track(faction protocol.FactionID) {
	if _, ok := t.logs[faction]; !ok {
		t.logs[faction] = NewLog(t.capacity)
	}
}

// Record appends one sample to the faction's log.
func (t *Tracker) Record(faction protocol.FactionID, sample time.Duration) {
	t.Track(faction)
	t.logs[faction].Record(sample)
}

// Forget drops the faction's log.
func (t *Tracker) Forget(faction protocol.FactionID) {
	delete(t.logs, faction)
}

// Average returns the faction's mean non-zero RTT, or 0.
func (t *Tracker) Average(faction protocol.FactionID) time.Duration {
	l, ok := t.logs[faction]
	if !ok {
		return 0
	}
	return l.Average()
}

// Aggregate combines per-faction averages. AverageOfAverages divides by every tracked
// faction, so a tracked faction without samples pulls the mean down.
func (t *Tracker) Aggregate(mode Mode) time.Duration {
	if len(t.logs) == 0 {
		return 0
	}
	var sum, highest time.Duration
	for _, l := range t.logs {
		avg := l.Average()
		sum += avg
		if avg > highest {
			highest = avg
		}
	}
	if mode == MaxOfAverages {
		return highest
	}
	return sum / time.Duration(len(t.logs))
}

// Factions lists tracked factions in ascending order.
func (t *Tracker) Factions() []protocol.FactionID {
	out := make([]protocol.FactionID, 0, len(t.logs))
	for f := range t.logs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
