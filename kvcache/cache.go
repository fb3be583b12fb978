package kvcache

import (
	"errors"

	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model/input"
)

var (
	ErrKvCacheFull = errors.New("could not find a kv cache slot")
	ErrPosition    = errors.New("kv cache positions are not contiguous")
)

type Cache interface {
	// ** used by model implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the history of key and value tensors plus a mask
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)

	// Put stores a batch of key and value in the cache
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Put(ctx ml.Context, key, value ml.Tensor)

	// ** cache management **

	// StartForward is called before the start of the model's forward pass.
	// It reserves space for every position in the batch.
	StartForward(ctx ml.Context, batch input.Batch) error

	// Len is the number of positions committed to the cache.
	Len() int

	// Close frees the storage held by the cache
	Close()
}
