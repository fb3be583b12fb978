package kvcache

import (
	"fmt"
	"math"

	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model/input"
)

// Causal cache stores K and V tensors according to their position in the
// sequence. Returns the history and a mask for attending to past tokens
//
// Positions are append-only: each forward pass must continue exactly where
// the previous one stopped and each position is written once per layer.
//
// Put takes tensors of shape (batch, kv heads, head dim). Get returns the
// history as (history, kv heads, head dim) and a mask of shape
// (batch, history).
type Causal struct {
	// capacity is the number of positions each layer can hold
	capacity int

	// length is the number of positions committed, including the
	// current batch
	length int

	// ** current forward pass **

	// first position of the current batch
	curStart int

	// size of the current batch
	curBatchSize int

	// the active layer for Get and Put
	curLayer int

	// mask of the cache as used by this batch
	curMask ml.Tensor

	// ** cache data storage **

	layers map[int]*arena
}

// arena is the fixed-capacity storage of a single layer.
type arena struct {
	kvHeads, keyDim, valueDim int

	keys, values []float32

	// written is the number of positions stored
	written int
}

func NewCausalCache(capacity int) *Causal {
	return &Causal{
		capacity: capacity,
		layers:   make(map[int]*arena),
	}
}

func (c *Causal) Len() int {
	return c.length
}

func (c *Causal) Close() {
	clear(c.layers)
}

func (c *Causal) StartForward(ctx ml.Context, batch input.Batch) error {
	if len(batch.Positions) == 0 {
		return fmt.Errorf("%w: empty batch", ErrPosition)
	}

	for i, pos := range batch.Positions {
		if int(pos) != c.length+i {
			return fmt.Errorf("%w (cache: %v position: %v index: %v)", ErrPosition, c.length, pos, i)
		}
	}

	if c.length+len(batch.Positions) > c.capacity {
		return fmt.Errorf("%w (cache: %v used: %v batch: %v)", ErrKvCacheFull, c.capacity, c.length, len(batch.Positions))
	}

	c.curStart = c.length
	c.curBatchSize = len(batch.Positions)
	c.length += c.curBatchSize
	c.curMask = c.buildMask(ctx)

	return nil
}

// Builds a mask of batch x history indicating whether for each token in the batch the
// token in the history should apply. History entries ahead of a token are masked.
func (c *Causal) buildMask(ctx ml.Context) ml.Tensor {
	length := c.curStart + c.curBatchSize
	mask := make([]float32, c.curBatchSize*length)

	for i := range c.curBatchSize {
		for j := c.curStart + i + 1; j < length; j++ {
			mask[i*length+j] = float32(math.Inf(-1))
		}
	}

	return ctx.Input().FromFloats(mask, c.curBatchSize, length)
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	a, ok := c.layers[c.curLayer]
	end := c.curStart + c.curBatchSize
	if !ok || a.written < end {
		panic(fmt.Errorf("kv cache layer %v read before it was written (layer positions: %v want: %v)", c.curLayer, c.written(), end))
	}

	nk, nv := end*a.kvHeads*a.keyDim, end*a.kvHeads*a.valueDim
	keys := a.keys[:nk:nk]
	values := a.values[:nv:nv]

	return ctx.FromFloats(keys, end, a.kvHeads, a.keyDim),
		ctx.FromFloats(values, end, a.kvHeads, a.valueDim),
		c.curMask
}

func (c *Causal) written() int {
	if a, ok := c.layers[c.curLayer]; ok {
		return a.written
	}

	return 0
}

func (c *Causal) Put(ctx ml.Context, key, value ml.Tensor) {
	batchSize := key.Dim(0)
	numKVHeads := key.Dim(1)
	kHeadDim := key.Dim(2)
	vHeadDim := value.Dim(2)

	if c.curBatchSize != batchSize || value.Dim(0) != batchSize {
		panic(fmt.Errorf("inconsistent batch sizes (layer: %v, batch size: %v layer batch size: %v)", c.curLayer, c.curBatchSize, batchSize))
	}

	a, ok := c.layers[c.curLayer]
	if !ok {
		a = &arena{
			kvHeads:  numKVHeads,
			keyDim:   kHeadDim,
			valueDim: vHeadDim,
			keys:     make([]float32, c.capacity*numKVHeads*kHeadDim),
			values:   make([]float32, c.capacity*numKVHeads*vHeadDim),
		}
		c.layers[c.curLayer] = a
	}

	if a.kvHeads != numKVHeads || a.keyDim != kHeadDim || a.valueDim != vHeadDim || value.Dim(1) != numKVHeads {
		panic(fmt.Errorf("%w: layer %v stores (%v, %v, %v) but got key %v value %v", ml.ErrShape, c.curLayer, a.kvHeads, a.keyDim, a.valueDim, key.Shape(), value.Shape()))
	}

	// each position is written exactly once and in order
	if a.written != c.curStart {
		panic(fmt.Errorf("kv cache layer %v holds %v positions, cannot write at %v", c.curLayer, a.written, c.curStart))
	}

	copy(a.keys[c.curStart*numKVHeads*kHeadDim:], key.Floats())
	copy(a.values[c.curStart*numKVHeads*vHeadDim:], value.Floats())
	a.written = c.curStart + batchSize
}
