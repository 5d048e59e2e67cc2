package types

// Example is one tokenized sequence, padded to a fixed length.
//
// The attention mask is a contiguous prefix of true values: real tokens
// first, padding after. The dataset builder guarantees this shape and the
// core does not re-validate it per batch; a mask attending past the true
// sequence length silently corrupts decoding.
type Example struct {
	InputIDs      []int64
	AttentionMask []bool
	TokenTypeIDs  []int64 // nil when the encoder takes no segment ids

	// Labels holds gold label ids aligned with InputIDs, with the ignore
	// sentinel on padding positions. Nil for inference-only examples.
	Labels []int
}

// ValidLen is the number of attended positions.
func (ex Example) ValidLen() int {
	n := 0
	for _, m := range ex.AttentionMask {
		if !m {
			break
		}
		n++
	}
	return n
}
