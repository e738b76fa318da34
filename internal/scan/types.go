package scan

import (
	"strings"
	"time"
)

// Target names one content source, normally a channel preview URL.
type Target string

// String returns the target as a plain string.
func (t Target) String() string {
	return string(t)
}

// KeywordSet is an ordered list of keywords compared case-insensitively.
type KeywordSet []string

// NewKeywordSet trims entries, drops blanks and drops case-insensitive
// duplicates while keeping the first occurrence.
func NewKeywordSet(words []string) KeywordSet {
	seen := make(map[string]struct{}, len(words))
	out := make(KeywordSet, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		key := strings.ToLower(w)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Clone returns an independent copy of the set.
func (k KeywordSet) Clone() KeywordSet {
	if k == nil {
		return nil
	}
	return append(KeywordSet(nil), k...)
}

// MatchMode selects how many keywords the matcher reports per text unit.
type MatchMode string

const (
	// MatchModeFirst reports only the first keyword (in set order) found in a unit.
	MatchModeFirst MatchMode = "first"
	// MatchModeAll reports the first occurrence of every keyword found in a unit.
	MatchModeAll MatchMode = "all"
)

// Match is one keyword hit inside one text unit of a target.
type Match struct {
	CycleID    string    `json:"cycle_id"`
	Target     Target    `json:"target"`
	Keyword    string    `json:"keyword"`
	Context    string    `json:"context"`
	Timestamp  time.Time `json:"timestamp"`
	Annotation string    `json:"annotation,omitempty"`
}

// CycleState is the controller's state machine position.
type CycleState string

// Supported cycle states.
const (
	StateIdle     CycleState = "IDLE"
	StateRunning  CycleState = "RUNNING"
	StateComplete CycleState = "COMPLETE"
	StateFailed   CycleState = "FAILED"
)

// CycleInfo identifies a cycle and the keyword snapshot it runs with.
type CycleInfo struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	Keywords         KeywordSet `json:"keywords"`
	WatchlistVersion int64      `json:"watchlist_version"`
}

// Cycle is the record of one scan run.
type Cycle struct {
	CycleInfo
	FinishedAt     time.Time  `json:"finished_at,omitempty"`
	State          CycleState `json:"state"`
	Targets        []Target   `json:"-"`
	TargetsScanned int        `json:"targets_scanned"`
	TargetsFailed  int        `json:"targets_failed"`
	Err            string     `json:"error,omitempty"`
}

// Duration returns the wall time of the cycle, measured up to now when it is
// still running.
func (c Cycle) Duration(now time.Time) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	if c.FinishedAt.IsZero() {
		return now.Sub(c.StartedAt)
	}
	return c.FinishedAt.Sub(c.StartedAt)
}

// LinksInfo describes the target list file written at cycle start.
type LinksInfo struct {
	Count    int    `json:"count"`
	Filename string `json:"filename"`
}

// Status is the read-only view exposed to the boundary layer.
type Status struct {
	State            CycleState `json:"state"`
	CycleID          string     `json:"cycle_id,omitempty"`
	StartedAt        time.Time  `json:"started_at,omitempty"`
	FinishedAt       time.Time  `json:"finished_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds"`
	TargetCount      int        `json:"target_count"`
	TargetsFailed    int        `json:"targets_failed"`
	Keywords         KeywordSet `json:"keywords"`
	WatchlistVersion int64      `json:"watchlist_version"`
	CycleKeywords    KeywordSet `json:"cycle_keywords,omitempty"`
	MatchCount       int        `json:"match_count"`
	Results          []Match    `json:"results"`
	ResultsFile      string     `json:"results_file,omitempty"`
	LinksInfo        LinksInfo  `json:"links_info"`
	LastError        string     `json:"last_error,omitempty"`
}

// ListingSource is one listing page plus the rule used to pull targets out of it.
type ListingSource struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Location   string `mapstructure:"location" yaml:"location"`
	Selector   string `mapstructure:"selector" yaml:"selector"`
	HrefPrefix string `mapstructure:"href_prefix" yaml:"href_prefix"`
}
