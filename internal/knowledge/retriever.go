package knowledge

import (
	"context"
	"sort"
	"time"
)

// Passage is a scored fragment of the legal corpus.
type Passage struct {
	ID         string
	Content    string
	Source     string
	SourceDate time.Time
	Score      float32
}

// Retriever finds corpus passages relevant to a query. An empty index
// or no passage above the relevance floor yields an empty slice, not
// an error; the pipeline answers without context in that case.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// rankPassages orders by score descending, breaking ties in favor of
// the newer source, and drops everything under the floor.
func rankPassages(passages []Passage, topK int, floor float64) []Passage {
	ranked := make([]Passage, 0, len(passages))
	for _, passage := range passages {
		if float64(passage.Score) < floor {
			continue
		}
		ranked = append(ranked, passage)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].SourceDate.After(ranked[j].SourceDate)
	})
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}
