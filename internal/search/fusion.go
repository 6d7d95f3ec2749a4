package search

import "sort"

// candidate accumulates per-stream scores during fusion.
type candidate struct {
	chunkID      string
	docID        string
	vectorScore  float64
	keywordScore float64
	score        float64
}

// normalizeScores min-max normalizes a score map in place over the
// returned candidates. When every score is equal the candidates all
// get 1, so a single-hit stream still contributes fully.
func normalizeScores(scores map[string]float64) {
	if len(scores) == 0 {
		return
	}
	min, max := 0.0, 0.0
	first := true
	for _, s := range scores {
		if first {
			min, max = s, s
			first = false
			continue
		}
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	for id, s := range scores {
		if max == min {
			scores[id] = 1.0
		} else {
			scores[id] = (s - min) / (max - min)
		}
	}
}

// fuse combines normalized stream scores with weight alpha on the
// vector stream. A candidate missing from one stream contributes 0 for
// that stream.
func fuse(vector, keyword map[string]float64, docIDs map[string]string, alpha float64) []*candidate {
	merged := make(map[string]*candidate, len(vector)+len(keyword))
	for id, s := range vector {
		merged[id] = &candidate{chunkID: id, docID: docIDs[id], vectorScore: s}
	}
	for id, s := range keyword {
		c, ok := merged[id]
		if !ok {
			c = &candidate{chunkID: id, docID: docIDs[id]}
			merged[id] = c
		}
		c.keywordScore = s
	}

	out := make([]*candidate, 0, len(merged))
	for _, c := range merged {
		c.score = alpha*c.vectorScore + (1-alpha)*c.keywordScore
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by score descending, chunk ID ascending on
// ties, so identical inputs always produce identical orderings.
func sortCandidates(cs []*candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		return cs[i].chunkID < cs[j].chunkID
	})
}
