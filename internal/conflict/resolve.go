// Package conflict collapses facts that share a source row hash.
package conflict

import "statload/internal/model"

// Resolve keeps one fact per SourceRowHash: the highest confidence wins and
// ties keep the first. Output follows the first appearance of each hash.
func Resolve(facts []model.Fact) []model.Fact {
	if len(facts) == 0 {
		return []model.Fact{}
	}
	pos := make(map[string]int, len(facts))
	out := make([]model.Fact, 0, len(facts))
	for _, f := range facts {
		i, seen := pos[f.SourceRowHash]
		if !seen {
			pos[f.SourceRowHash] = len(out)
			out = append(out, f)
			continue
		}
		if f.Confidence > out[i].Confidence {
			out[i] = f
		}
	}
	return out
}
