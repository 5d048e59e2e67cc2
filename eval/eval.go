// Package eval scores predicted label sequences against gold labels at the
// entity level. Spans are decoded from B-/I-/O tags and compared under four
// matching regimes: strict (boundaries and type), exact (boundaries),
// partial (any overlap, half credit) and type-match (overlap with the right
// type). This follows the SemEval-2013 scheme used for checkpoint selection.
package eval

import (
	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/types"
)

// epsilon stabilizes F1 so two zero scores divide to exactly 0.0 instead of
// NaN.
const epsilon = 1e-9

type Score struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Results carries one score per regime plus a per-entity-type breakdown of
// the type-match score. StrictF1 drives checkpoint selection.
type Results struct {
	Strict    Score `json:"strict"`
	Exact     Score `json:"exact"`
	Partial   Score `json:"partial"`
	TypeMatch Score `json:"ent_type"`

	PerType map[string]Score `json:"per_type"`
}

// counts follows the SemEval error categories. possible = COR+INC+PAR+MIS,
// actual = COR+INC+PAR+SPU.
type counts struct {
	correct   int
	incorrect int
	partial   int
	missed    int
	spurious  int
}

func (c *counts) possible() int { return c.correct + c.incorrect + c.partial + c.missed }
func (c *counts) actual() int   { return c.correct + c.incorrect + c.partial + c.spurious }

func (c *counts) score(partialCredit bool) Score {
	num := float64(c.correct)
	if partialCredit {
		num += 0.5 * float64(c.partial)
	}
	var s Score
	if a := c.actual(); a > 0 {
		s.Precision = num / float64(a)
	}
	if p := c.possible(); p > 0 {
		s.Recall = num / float64(p)
	}
	s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall + epsilon)
	return s
}

// SpansFromTags decodes a BIO tag sequence into labeled spans. A stray I-
// tag opens a new span, as taggers occasionally emit one without its B-.
func SpansFromTags(tags []string) []types.Entity {
	var spans []types.Entity
	var open *types.Entity

	flush := func() {
		if open != nil {
			spans = append(spans, *open)
			open = nil
		}
	}

	for i, tag := range tags {
		entityType, isEntity := labels.EntityType(tag)
		switch {
		case !isEntity:
			flush()
		case labels.IsBegin(tag) || open == nil || open.Label != entityType:
			flush()
			open = &types.Entity{Span: types.Span{Begin: i, End: i}, Label: entityType}
		default:
			open.End = i
		}
	}
	flush()
	return spans
}

// Evaluate scores batches of predicted and gold label-id sequences. The
// ignore sentinel is folded to O on both sides before span decoding, so
// padding never forms an entity. The entity-type set comes from the gold
// side only: predicted spans whose type never occurs in gold are dropped
// before counting, so absent types contribute no spurious denominator in
// any regime.
func Evaluate(pred, gold [][]int, scheme *labels.Scheme) Results {
	goldSpans := make([][]types.Entity, len(gold))
	predSpans := make([][]types.Entity, len(gold))
	goldTypes := make(map[string]bool)
	for n := range gold {
		goldSpans[n] = SpansFromTags(idsToTags(gold[n], scheme))
		predSpans[n] = SpansFromTags(idsToTags(pred[n], scheme))
		for _, span := range goldSpans[n] {
			goldTypes[span.Label] = true
		}
	}

	overall := regimes{}
	perType := make(map[string]*counts)
	for n := range gold {
		compare(keepGoldTypes(predSpans[n], goldTypes), goldSpans[n], &overall, perType)
	}

	results := Results{
		Strict:    overall.strict.score(false),
		Exact:     overall.exact.score(false),
		Partial:   overall.partial.score(true),
		TypeMatch: overall.typeMatch.score(false),
		PerType:   make(map[string]Score, len(goldTypes)),
	}
	for entityType := range goldTypes {
		if c, ok := perType[entityType]; ok {
			results.PerType[entityType] = c.score(false)
		}
	}
	return results
}

// keepGoldTypes drops predicted spans whose type has no gold entity. Gold
// spans pass by construction, so only the prediction side needs filtering.
func keepGoldTypes(spans []types.Entity, goldTypes map[string]bool) []types.Entity {
	kept := make([]types.Entity, 0, len(spans))
	for _, span := range spans {
		if goldTypes[span.Label] {
			kept = append(kept, span)
		}
	}
	return kept
}

type regimes struct {
	strict    counts
	exact     counts
	partial   counts
	typeMatch counts
}

// compare implements the scenario table: exact boundary matches first, then
// overlaps, then spurious predictions and missed gold spans.
func compare(pred, gold []types.Entity, overall *regimes, perType map[string]*counts) {
	usedGold := make([]bool, len(gold))

	typeCounts := func(label string) *counts {
		c, ok := perType[label]
		if !ok {
			c = &counts{}
			perType[label] = c
		}
		return c
	}

	for _, p := range pred {
		exactIdx := -1
		overlapIdx := -1
		for gi, g := range gold {
			if usedGold[gi] {
				continue
			}
			if p.Span.Equals(g.Span) {
				exactIdx = gi
				break
			}
			if overlapIdx < 0 && p.Span.Overlaps(g.Span) {
				overlapIdx = gi
			}
		}

		switch {
		case exactIdx >= 0:
			g := gold[exactIdx]
			usedGold[exactIdx] = true
			overall.exact.correct++
			if p.Label == g.Label {
				overall.strict.correct++
				overall.partial.correct++
				overall.typeMatch.correct++
				typeCounts(g.Label).correct++
			} else {
				overall.strict.incorrect++
				overall.partial.correct++
				overall.typeMatch.incorrect++
				typeCounts(g.Label).incorrect++
			}
		case overlapIdx >= 0:
			g := gold[overlapIdx]
			usedGold[overlapIdx] = true
			overall.strict.incorrect++
			overall.exact.incorrect++
			overall.partial.partial++
			if p.Label == g.Label {
				overall.typeMatch.correct++
				typeCounts(g.Label).correct++
			} else {
				overall.typeMatch.incorrect++
				typeCounts(g.Label).incorrect++
			}
		default:
			overall.strict.spurious++
			overall.exact.spurious++
			overall.partial.spurious++
			overall.typeMatch.spurious++
			typeCounts(p.Label).spurious++
		}
	}

	for gi, g := range gold {
		if usedGold[gi] {
			continue
		}
		overall.strict.missed++
		overall.exact.missed++
		overall.partial.missed++
		overall.typeMatch.missed++
		typeCounts(g.Label).missed++
	}
}

func idsToTags(ids []int, scheme *labels.Scheme) []string {
	tags := make([]string, len(ids))
	for i, id := range ids {
		tags[i] = scheme.TagOrOutside(id)
	}
	return tags
}
