package nn

import (
	"fmt"

	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/ml"
)

// Attention implements scaled dot-product attention for transformer models:
// Attention(Q, K, V) = softmax(QK^T/√d_k)V
//
// Parameters:
//   - ctx: Context for tensor operations
//   - query: Query tensor (Q) with shape [seq_len_q, heads, d_k]
//   - key: Key tensor (K) with shape [seq_len_k, kv_heads, d_k]
//   - value: Value tensor (V) with shape [seq_len_k, kv_heads, d_v]
//   - scale: Scaling factor, typically 1/√d_k where d_k is the key dimension
//   - cache: KV cache to store key/value and get past history, can be nil to only use provided key/value
//
// Returns:
//
//	Attention output with shape [seq_len_q, heads, d_v]
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64, cache kvcache.Cache) ml.Tensor {
	return AttentionWithMask(ctx, query, key, value, nil, scale, cache)
}

// AttentionWithMask is Attention with an explicit additive mask of shape
// [seq_len_q, seq_len_k]. The mask is ignored when a cache supplies one.
func AttentionWithMask(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64, cache kvcache.Cache) ml.Tensor {
	ctx.Forward(query)
	if query.Dim(2) != key.Dim(2) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(2), key.Dim(2)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("kv_heads in attention operation does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	if key.Dim(0) != value.Dim(0) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(0), value.Dim(0)))
	}

	if query.Dim(1)%key.Dim(1) != 0 {
		panic(fmt.Errorf("heads in attention operation (%v) are not a multiple of kv_heads (%v)", query.Dim(1), key.Dim(1)))
	}

	ctx.Forward(key, value)
	if cache != nil {
		cache.Put(ctx, key, value)
		key, value, mask = cache.Get(ctx)
	}

	query = query.Permute(ctx, 1, 0, 2)
	key = key.Permute(ctx, 1, 0, 2)
	value = value.Permute(ctx, 1, 2, 0).Contiguous(ctx)

	kq := key.Mulmat(ctx, query)

	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	kqv := value.Mulmat(ctx, kq)
	return kqv.Permute(ctx, 1, 0, 2).Contiguous(ctx)
}
