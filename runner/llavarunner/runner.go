// Package llavarunner drives token generation over a fused multimodal
// sequence: one prefill pass, then one decode step per sampled token.
package llavarunner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/llava-go/llava/kvcache"
	"github.com/llava-go/llava/logutil"
	"github.com/llava-go/llava/ml"
	"github.com/llava-go/llava/model"
	"github.com/llava-go/llava/model/input"
	"github.com/llava-go/llava/sample"
)

var ErrSessionConsumed = errors.New("generation session has already been consumed")

type State int

const (
	StatePrefill State = iota
	StateDecoding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePrefill:
		return "prefill"
	case StateDecoding:
		return "decoding"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonEOS
	ReasonBudget
	ReasonCanceled
	ReasonError
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonEOS:
		return "stop"
	case ReasonBudget:
		return "length"
	case ReasonCanceled:
		return "canceled"
	case ReasonError:
		return "error"
	default:
		return fmt.Sprintf("TerminationReason(%d)", int(r))
	}
}

// Options control sampling and the generation budget.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopK         int
	TopP         float32
	MinP         float32
	Seed         uint64

	// NoCache re-runs the whole sequence through a fresh cache on every
	// step instead of feeding only the newest embedding.
	NoCache bool

	// EOS lists extra ids that end generation besides the tokenizer's
	// own end of sequence tokens.
	EOS []int32
}

// DefaultOptions match the reference command line defaults.
func DefaultOptions() Options {
	return Options{
		MaxNewTokens: 512,
		Temperature:  0.2,
		TopP:         1,
		Seed:         299792458,
	}
}

// Session is a single generation. It owns its cache and is not safe for
// concurrent use.
type Session struct {
	model   model.Model
	ctx     ml.Context
	cache   kvcache.Cache
	sampler sample.Sampler
	opts    Options

	// sequence is every embedding seen so far, shaped (length, hidden)
	sequence ml.Tensor
	// latest is the embedding of the last sampled token
	latest ml.Tensor

	processed int
	steps     int
	state     State
	reason    TerminationReason
	consumed  bool
}

// NewSession prepares a generation over fused, the (1, length, hidden)
// output of embedding fusion.
func NewSession(m model.Model, fused ml.Tensor, opts Options) (*Session, error) {
	if fused == nil {
		return nil, errors.New("no input embeddings")
	}

	ctx := m.Backend().NewContext()

	var sequence ml.Tensor
	switch len(fused.Shape()) {
	case 2:
		sequence = fused
	case 3:
		if fused.Dim(0) != 1 {
			ctx.Close()
			return nil, fmt.Errorf("%w: fused embeddings %v must hold one sequence", ml.ErrShape, fused.Shape())
		}
		sequence = fused.Reshape(ctx, fused.Dim(1), fused.Dim(2))
	}

	if sequence == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: fused embeddings %v must be (1, length, hidden)", ml.ErrShape, fused.Shape())
	}

	if sequence.Dim(0) < 1 {
		ctx.Close()
		return nil, errors.New("fused sequence is empty")
	}

	if opts.MaxNewTokens < 0 {
		ctx.Close()
		return nil, fmt.Errorf("max new tokens must not be negative, got %d", opts.MaxNewTokens)
	}

	s := &Session{
		model:    m,
		ctx:      ctx,
		sampler:  sample.NewSampler(opts.Temperature, opts.TopK, opts.TopP, opts.MinP, opts.Seed),
		opts:     opts,
		sequence: sequence,
	}

	if !opts.NoCache {
		s.cache = kvcache.NewCausalCache(s.capacity())
	}

	return s, nil
}

func (s *Session) capacity() int {
	return s.sequence.Dim(0) + s.opts.MaxNewTokens
}

// Tokens returns the sampled token ids in order. The sequence ends after an
// end of sequence id, which is yielded, after MaxNewTokens ids, when ctx is
// done or after the first error. A session can be iterated only once.
func (s *Session) Tokens(ctx context.Context) iter.Seq2[int32, error] {
	return func(yield func(int32, error) bool) {
		if s.consumed {
			yield(-1, ErrSessionConsumed)
			return
		}
		s.consumed = true
		defer s.close()

		if s.opts.MaxNewTokens == 0 {
			s.terminate(ReasonBudget)
			return
		}

		for s.state != StateTerminated {
			if err := ctx.Err(); err != nil {
				s.terminate(ReasonCanceled)
				yield(-1, err)
				return
			}

			id, err := s.step()
			if err != nil {
				s.terminate(ReasonError)
				yield(-1, err)
				return
			}

			switch {
			case s.isEOS(id):
				s.terminate(ReasonEOS)
			case s.steps >= s.opts.MaxNewTokens:
				s.terminate(ReasonBudget)
			}

			if !yield(id, nil) {
				if s.state != StateTerminated {
					s.terminate(ReasonCanceled)
				}
				return
			}
		}
	}
}

// step runs one forward pass, samples the next id and appends its
// embedding to the sequence.
func (s *Session) step() (id int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("forward: %w", e)
				return
			}
			panic(r)
		}
	}()

	t := time.Now()

	var batch input.Batch
	switch {
	case s.opts.NoCache:
		if s.cache != nil {
			s.cache.Close()
		}
		s.cache = kvcache.NewCausalCache(s.capacity())
		batch = input.Last(s.sequence, 0)
	case s.state == StatePrefill:
		batch = input.Last(s.sequence, 0)
	default:
		batch = input.Last(s.latest, s.processed)
	}

	logits, err := model.Forward(s.ctx, s.model, batch, s.cache)
	if err != nil {
		return -1, err
	}

	if s.opts.NoCache {
		s.processed = s.sequence.Dim(0)
	} else {
		s.processed += len(batch.Positions)
	}

	id, err = s.sampler.Sample(logits.Floats())
	if err != nil {
		return -1, err
	}

	s.latest = s.model.Embed(s.ctx, []int32{id})
	s.sequence = s.sequence.Concat(s.ctx, s.latest, 0)

	if s.state == StatePrefill {
		slog.Debug("prefill", "positions", len(batch.Positions), "duration", time.Since(t))
		s.state = StateDecoding
	}

	s.steps++
	logutil.Trace("decode", "step", s.steps, "positions", len(batch.Positions), "id", id, "duration", time.Since(t))
	return id, nil
}

func (s *Session) isEOS(id int32) bool {
	if slices.Contains(s.opts.EOS, id) {
		return true
	}

	tp := s.model.TextProcessor()
	return tp != nil && tp.Is(id, model.SpecialEOS)
}

func (s *Session) terminate(reason TerminationReason) {
	s.state = StateTerminated
	s.reason = reason
	slog.Debug("generation finished", "reason", reason, "tokens", s.steps)
}

func (s *Session) close() {
	if s.cache != nil {
		s.cache.Close()
	}
	s.ctx.Close()
}

// State is the current stage of the session.
func (s *Session) State() State {
	return s.state
}

// Reason is why the session terminated, or ReasonNone while it runs.
func (s *Session) Reason() TerminationReason {
	return s.reason
}

// Steps is the number of tokens sampled so far.
func (s *Session) Steps() int {
	return s.steps
}

// Processed is the number of positions the model has seen.
func (s *Session) Processed() int {
	return s.processed
}

// Generate starts a session over fused and returns its tokens. An error
// creating the session is yielded once.
func Generate(ctx context.Context, m model.Model, fused ml.Tensor, opts Options) iter.Seq2[int32, error] {
	s, err := NewSession(m, fused, opts)
	if err != nil {
		return func(yield func(int32, error) bool) {
			yield(-1, err)
		}
	}

	return s.Tokens(ctx)
}
