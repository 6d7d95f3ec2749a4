package search

import (
	"github.com/knowledgebeast/knowledgebeast/internal/cache"
)

// mmrSelect greedily picks k candidates maximizing
// λ·relevance − (1−λ)·max_similarity_to_selected. Similarity is cosine
// over chunk vectors; candidates without a vector count as dissimilar.
// Ties fall to the lower chunk ID, keeping selection deterministic.
func mmrSelect(cands []*candidate, vectors map[string][]float32, lambda float64, k int) []*candidate {
	if k >= len(cands) && lambda >= 1 {
		return cands
	}
	if k > len(cands) {
		k = len(cands)
	}

	selected := make([]*candidate, 0, k)
	remaining := append([]*candidate(nil), cands...)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, c := range remaining {
			maxSim := 0.0
			if vec, ok := vectors[c.chunkID]; ok {
				for _, s := range selected {
					sv, ok := vectors[s.chunkID]
					if !ok {
						continue
					}
					if sim := cache.CosineSimilarity(vec, sv); sim > maxSim {
						maxSim = sim
					}
				}
			}
			score := lambda*c.score - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore ||
				(score == bestScore && c.chunkID < remaining[bestIdx].chunkID) {
				bestIdx = i
				bestScore = score
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}
