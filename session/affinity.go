package session

import (
	"time"

	"github.com/musterhq/muster"
)

// Scoring weights for candidate selection. Affinity dominates, tier
// breaks affinity ties, and load spreads work across equally good
// candidates.
const (
	groupMatchWeight = 100
	labelMatchWeight = 100
	tierWeight       = 10
	loadPenalty      = 1
	inWindowBonus    = 25
)

// score ranks a schedulable session for a task. Higher is better.
func score(ses *muster.Session, task *muster.Task, group *muster.Group, now time.Time) int {
	s := 0

	if task.GroupID != "" && ses.GroupID == task.GroupID {
		s += groupMatchWeight
	}
	if group != nil {
		s += labelMatchWeight * sharedLabels(ses.AffinityLabels, group.Labels)
	}

	s += tierWeight * ses.Tier
	s -= loadPenalty * ses.CurrentTaskCount

	if ses.InWindow(now) {
		s += inWindowBonus
	}
	return s
}

func sharedLabels(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, l := range a {
		set[l] = struct{}{}
	}
	n := 0
	for _, l := range b {
		if _, ok := set[l]; ok {
			n++
		}
	}
	return n
}

// tieBreak orders equally scored candidates: fewest current tasks wins,
// then the lexically smaller ID for determinism.
func tieBreak(candidate, incumbent *muster.Session) bool {
	if candidate.CurrentTaskCount != incumbent.CurrentTaskCount {
		return candidate.CurrentTaskCount < incumbent.CurrentTaskCount
	}
	return candidate.ID < incumbent.ID
}
