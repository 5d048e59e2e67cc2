// Package labels defines the closed label set used by the tagger, the CRF
// layer and the metric evaluator. The scheme is built once and shared: its
// size drives the projection width and the CRF dimension, and its inverse
// lookup drives evaluation.
package labels

import (
	"fmt"
	"strings"
)

const (
	// Outside marks tokens that belong to no entity.
	Outside = "O"

	// IgnoreIndex marks padding positions that must contribute neither to
	// the loss nor to the metrics.
	IgnoreIndex = -100

	beginPrefix  = "B-"
	insidePrefix = "I-"
)

// EntityTypes is the canonical ordered list of legal entity types.
var EntityTypes = []string{
	"COURT",
	"PETITIONER",
	"RESPONDENT",
	"JUDGE",
	"DATE",
	"ORG",
	"GPE",
	"STATUTE",
	"PROVISION",
	"PRECEDENT",
	"CASE_NUMBER",
	"WITNESS",
	"OTHER_PERSON",
	"LAWYER",
}

// Scheme is an immutable BIO tag alphabet: all B- tags, then all I- tags,
// then the single O tag at the last index.
type Scheme struct {
	tags  []string
	index map[string]int
}

func NewScheme(entityTypes []string) (*Scheme, error) {
	if len(entityTypes) == 0 {
		return nil, fmt.Errorf("labels: empty entity type list")
	}

	tags := make([]string, 0, 2*len(entityTypes)+1)
	for _, t := range entityTypes {
		tags = append(tags, beginPrefix+t)
	}
	for _, t := range entityTypes {
		tags = append(tags, insidePrefix+t)
	}
	tags = append(tags, Outside)

	index := make(map[string]int, len(tags))
	for i, tag := range tags {
		if _, ok := index[tag]; ok {
			return nil, fmt.Errorf("labels: duplicate entity type %q", tag)
		}
		index[tag] = i
	}

	return &Scheme{tags: tags, index: index}, nil
}

// Default returns the scheme over the canonical legal entity types.
func Default() *Scheme {
	scheme, err := NewScheme(EntityTypes)
	if err != nil {
		panic(err)
	}
	return scheme
}

// Size is the number of tags, including O.
func (s *Scheme) Size() int {
	return len(s.tags)
}

func (s *Scheme) Index(tag string) (int, bool) {
	idx, ok := s.index[tag]
	return idx, ok
}

func (s *Scheme) Tag(idx int) (string, bool) {
	if idx < 0 || idx >= len(s.tags) {
		return "", false
	}
	return s.tags[idx], true
}

func (s *Scheme) OutsideIndex() int {
	return len(s.tags) - 1
}

// TagOrOutside maps a label id to its tag, folding the ignore sentinel and
// anything outside the alphabet to O.
func (s *Scheme) TagOrOutside(idx int) string {
	tag, ok := s.Tag(idx)
	if !ok {
		return Outside
	}
	return tag
}

// Tags returns a copy of the ordered tag list.
func (s *Scheme) Tags() []string {
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// EntityType strips the BIO prefix from a tag. O has no entity type.
func EntityType(tag string) (string, bool) {
	switch {
	case strings.HasPrefix(tag, beginPrefix):
		return tag[len(beginPrefix):], true
	case strings.HasPrefix(tag, insidePrefix):
		return tag[len(insidePrefix):], true
	default:
		return "", false
	}
}

// IsBegin reports whether the tag opens a span.
func IsBegin(tag string) bool {
	return strings.HasPrefix(tag, beginPrefix)
}

// IsInside reports whether the tag continues a span.
func IsInside(tag string) bool {
	return strings.HasPrefix(tag, insidePrefix)
}

// BeginTag and InsideTag build tags for an entity type.
func BeginTag(entityType string) string  { return beginPrefix + entityType }
func InsideTag(entityType string) string { return insidePrefix + entityType }
