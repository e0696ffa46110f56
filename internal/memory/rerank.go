package memory

import (
	"math"
	"sort"
	"time"
)

// Weights are the per-tier reranking coefficients.
type Weights struct {
	Similarity  float64
	Importance  float64
	Recency     float64
	DecayPerDay float64 // λ in exp(-λ·age_days)
}

// Scored is a reranked candidate.
type Scored struct {
	Record     Record
	Similarity float64
	Score      float64
}

// Rerank scores every hit as
//
//	Similarity·sim + Importance·(poignancy/10) + Recency·exp(-λ·age_days)
//
// and returns them best first. Equal scores keep their input order.
// Ages in the future count as zero.
func Rerank(hits []Hit, w Weights, now time.Time) []Scored {
	out := make([]Scored, len(hits))
	for i, h := range hits {
		sim := 1 - h.Distance
		importance := float64(h.Record.Poignancy) / float64(MaxPoignancy)
		ageDays := max(0, now.Sub(h.Record.Timestamp).Hours()/24)
		recency := math.Exp(-w.DecayPerDay * ageDays)

		out[i] = Scored{
			Record:     h.Record,
			Similarity: sim,
			Score:      w.Similarity*sim + w.Importance*importance + w.Recency*recency,
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
