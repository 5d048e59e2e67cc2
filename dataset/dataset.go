// Package dataset builds tokenized training examples from legal NER corpora:
// documents with character-offset annotations, aligned to sub-word tokens
// against the canonical label scheme. Every example leaving this package is
// well-formed (contiguous attention prefix, in-range gold labels) and the
// model relies on that instead of re-validating batches.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/gomlx/go-huggingface/tokenizers/api"

	"legalner.dev/lnt/labels"
	"legalner.dev/lnt/types"
)

// Annotation is one gold entity as character offsets into the document
// text. End is exclusive, as the corpus stores it.
type Annotation struct {
	Start int
	End   int
	Label string
}

type Document struct {
	ID          string
	Text        string
	Annotations []Annotation
}

// rawDocument mirrors the label-studio export layout the corpus ships in.
type rawDocument struct {
	ID   json.Number `json:"id"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
	Annotations []struct {
		Result []struct {
			Value struct {
				Start  int      `json:"start"`
				End    int      `json:"end"`
				Labels []string `json:"labels"`
			} `json:"value"`
		} `json:"result"`
	} `json:"annotations"`
}

// Load reads a corpus file and flattens the annotation layers into
// character-offset entities, sorted by start offset.
func Load(filePath string) ([]Document, error) {
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var raw []rawDocument
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("dataset: parse %q: %w", filePath, err)
	}

	docs := make([]Document, 0, len(raw))
	for _, r := range raw {
		doc := Document{ID: r.ID.String(), Text: r.Data.Text}
		for _, ann := range r.Annotations {
			for _, res := range ann.Result {
				if len(res.Value.Labels) == 0 {
					continue
				}
				doc.Annotations = append(doc.Annotations, Annotation{
					Start: res.Value.Start,
					End:   res.Value.End,
					Label: res.Value.Labels[0],
				})
			}
		}
		sort.Slice(doc.Annotations, func(i, j int) bool {
			return doc.Annotations[i].Start < doc.Annotations[j].Start
		})
		docs = append(docs, doc)
	}
	return docs, nil
}

type Config struct {
	// MaxSeqLen is the padded example length; longer documents truncate.
	MaxSeqLen int
	// UseTypeIDs emits all-zero token type ids for encoders with segment
	// embeddings.
	UseTypeIDs bool
}

// Builder turns documents into padded examples with one shared tokenizer
// and label scheme.
type Builder struct {
	tok    api.TokenizerWithSpans
	scheme *labels.Scheme
	cfg    Config
	padID  int64
}

// NewBuilder requires a tokenizer with offset tracking: alignment from
// character annotations to sub-word labels is impossible without it.
func NewBuilder(tok api.Tokenizer, scheme *labels.Scheme, cfg Config) (*Builder, error) {
	withOffsets, ok := tok.(api.TokenizerWithSpans)
	if !ok {
		return nil, fmt.Errorf("dataset: tokenizer does not track character offsets")
	}
	if cfg.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("dataset: max sequence length must be positive, got %d", cfg.MaxSeqLen)
	}

	padID := int64(0)
	if id, err := tok.SpecialTokenID(api.TokPad); err == nil {
		padID = int64(id)
	}

	return &Builder{tok: withOffsets, scheme: scheme, cfg: cfg, padID: padID}, nil
}

// Examples tokenizes and aligns a corpus. Documents producing no tokens are
// skipped rather than emitted as empty examples.
func (b *Builder) Examples(docs []Document) ([]types.Example, error) {
	examples := make([]types.Example, 0, len(docs))
	for _, doc := range docs {
		ex, _, err := b.Example(doc)
		if err != nil {
			return nil, fmt.Errorf("dataset: document %s: %w", doc.ID, err)
		}
		if ex.ValidLen() == 0 {
			continue
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

// EncodeAll tokenizes a corpus across workers goroutines, preserving
// document order. The tokenizer must be safe for concurrent use; the
// HuggingFace tokenizers are. Documents producing no tokens are skipped.
func EncodeAll(b *Builder, docs []Document, workers int) ([]types.Example, error) {
	if workers <= 1 {
		return b.Examples(docs)
	}

	encoded := make([]types.Example, len(docs))
	errs := make([]error, len(docs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				ex, _, err := b.Example(docs[i])
				if err != nil {
					errs[i] = fmt.Errorf("dataset: document %s: %w", docs[i].ID, err)
					continue
				}
				encoded[i] = ex
			}
		}()
	}
	for i := range docs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	examples := make([]types.Example, 0, len(docs))
	for _, ex := range encoded {
		if ex.ValidLen() == 0 {
			continue
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

// Example tokenizes one document and aligns its annotations: the first
// sub-token at an annotation start gets the B- tag, every other sub-token
// inside the annotation gets I-, everything else gets O. Padding carries
// the ignore sentinel. The token offsets are returned for mapping decoded
// spans back to character positions.
func (b *Builder) Example(doc Document) (types.Example, []api.TokenSpan, error) {
	encoding := b.tok.EncodeWithSpans(doc.Text)
	ids := encoding.IDs
	offsets := encoding.Spans
	if len(ids) > b.cfg.MaxSeqLen {
		ids = ids[:b.cfg.MaxSeqLen]
		offsets = offsets[:b.cfg.MaxSeqLen]
	}

	ex := types.Example{
		InputIDs:      make([]int64, b.cfg.MaxSeqLen),
		AttentionMask: make([]bool, b.cfg.MaxSeqLen),
		Labels:        make([]int, b.cfg.MaxSeqLen),
	}
	if b.cfg.UseTypeIDs {
		ex.TokenTypeIDs = make([]int64, b.cfg.MaxSeqLen)
	}

	for i := range ex.Labels {
		ex.InputIDs[i] = b.padID
		ex.Labels[i] = labels.IgnoreIndex
	}

	for i, id := range ids {
		ex.InputIDs[i] = int64(id)
		ex.AttentionMask[i] = true
		ex.Labels[i] = b.labelAt(doc.Annotations, offsets[i])
	}
	return ex, offsets, nil
}

// EncodeText prepares an inference-only example for raw text.
func (b *Builder) EncodeText(text string) (types.Example, []api.TokenSpan, error) {
	ex, offsets, err := b.Example(Document{Text: text})
	if err != nil {
		return types.Example{}, nil, err
	}
	ex.Labels = nil
	return ex, offsets, nil
}

func (b *Builder) labelAt(annotations []Annotation, offset api.TokenSpan) int {
	// Special tokens carry a zero-width offset and stay outside.
	if offset.Start >= offset.End {
		return b.scheme.OutsideIndex()
	}
	for _, ann := range annotations {
		if offset.Start < ann.Start || offset.Start >= ann.End {
			continue
		}
		tag := labels.InsideTag(ann.Label)
		if offset.Start == ann.Start {
			tag = labels.BeginTag(ann.Label)
		}
		if idx, ok := b.scheme.Index(tag); ok {
			return idx
		}
		// Annotation types outside the scheme are treated as unannotated.
		return b.scheme.OutsideIndex()
	}
	return b.scheme.OutsideIndex()
}

// Scheme exposes the label mapping for inverse lookup during evaluation.
func (b *Builder) Scheme() *labels.Scheme {
	return b.scheme
}
