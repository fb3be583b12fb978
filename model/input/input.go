package input

import "github.com/llava-go/llava/ml"

// Batch contains the inputs for a single forward pass of the text model.
type Batch struct {
	// Embeddings holds one input embedding per position, shaped
	// (sequence, hidden). Token ids are embedded by the caller so that
	// image features can be spliced in.
	Embeddings ml.Tensor

	// Positions is the absolute position in the sequence of each
	// embedding.
	Positions []int32

	// Outputs are the indices into the batch for which logits are
	// returned. The decode loop only ever asks for the last one.
	Outputs []int32
}

// Last returns a batch description with positions [start, start+n) that
// only outputs the final position.
func Last(embeddings ml.Tensor, start int) Batch {
	n := embeddings.Dim(0)
	positions := make([]int32, n)
	for i := range positions {
		positions[i] = int32(start + i)
	}

	return Batch{
		Embeddings: embeddings,
		Positions:  positions,
		Outputs:    []int32{int32(n - 1)},
	}
}
