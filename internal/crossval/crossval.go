// Package crossval links signals from different agents that describe the
// same event with contradicting classifications.
package crossval

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sells-group/corpsignal/internal/model"
)

// Report is the outcome of Detect.
type Report struct {
	// Signals is the input in its original order. Conflicting signals carry
	// a ConflictID; nothing else is changed.
	Signals   []model.Signal
	Conflicts []model.Conflict
}

// Detect finds pairs of signals from different agents whose targets overlap,
// whose cited evidence overlaps, and whose types contradict. Linked pairs are
// merged transitively so each connected group shares one conflict ID. The
// input slice is not modified.
func Detect(signals []model.Signal) Report {
	out := make([]model.Signal, len(signals))
	copy(out, signals)

	uf := newUnionFind(len(out))
	linked := false
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if conflicting(out[i], out[j]) {
				uf.union(i, j)
				linked = true
			}
		}
	}
	if !linked {
		return Report{Signals: out}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range out {
		r := uf.find(i)
		if uf.size[r] < 2 {
			continue
		}
		if _, seen := groups[r]; !seen {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}

	conflicts := make([]model.Conflict, 0, len(roots))
	for _, r := range roots {
		members := groups[r]
		c := model.Conflict{ID: uuid.NewString()}

		agents := map[string]bool{}
		types := map[model.SignalType]bool{}
		for _, i := range members {
			out[i].ConflictID = c.ID
			c.SignalIDs = append(c.SignalIDs, out[i].ID)
			if !agents[out[i].Agent] {
				agents[out[i].Agent] = true
				c.Agents = append(c.Agents, out[i].Agent)
			}
			if !types[out[i].Type] {
				types[out[i].Type] = true
				c.Types = append(c.Types, out[i].Type)
			}
		}
		c.SharedTargets, c.SharedEvidence = shared(out, members)
		conflicts = append(conflicts, c)
	}
	return Report{Signals: out, Conflicts: conflicts}
}

func conflicting(a, b model.Signal) bool {
	if a.Agent == b.Agent || !a.Type.Contradicts(b.Type) {
		return false
	}
	return overlaps(normTargets(a), normTargets(b)) && overlaps(normEvidence(a), normEvidence(b))
}

func overlaps(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func normTargets(s model.Signal) map[string]bool {
	m := make(map[string]bool, len(s.Targets))
	for _, t := range s.Targets {
		if t = normalize(t); t != "" {
			m[t] = true
		}
	}
	// Signals without explicit targets are about the entity itself.
	if len(m) == 0 && s.EntityID != "" {
		m["entity:"+s.EntityID] = true
	}
	return m
}

func normEvidence(s model.Signal) map[string]bool {
	m := make(map[string]bool, len(s.Evidence))
	for _, e := range s.Evidence {
		if r := normalize(e.Ref); r != "" {
			m[r] = true
		}
	}
	return m
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// shared returns the targets and evidence refs cited by at least two
// members of the group, sorted.
func shared(signals []model.Signal, members []int) ([]string, []string) {
	tc := map[string]int{}
	ec := map[string]int{}
	for _, i := range members {
		for t := range normTargets(signals[i]) {
			tc[t]++
		}
		for e := range normEvidence(signals[i]) {
			ec[e]++
		}
	}
	return atLeastTwo(tc), atLeastTwo(ec)
}

func atLeastTwo(counts map[string]int) []string {
	var out []string
	for k, n := range counts {
		if n >= 2 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
