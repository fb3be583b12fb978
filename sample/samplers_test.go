package sample

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testTransform struct {
	id        int
	callOrder *[]int
}

func (ts *testTransform) Apply(logits []float64) ([]float64, error) {
	if ts.callOrder != nil {
		*ts.callOrder = append(*ts.callOrder, ts.id)
	}
	return logits, nil
}

func TestWeighted(t *testing.T) {
	idx, err := Weighted(nil).Sample([]float32{float32(math.Inf(-1)), 2, float32(math.Inf(-1)), float32(math.Inf(-1))})
	if err != nil {
		t.Error(err)
		return
	}
	want := int32(1)
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	idx, err = Weighted(nil).Sample([]float32{float32(math.Inf(-1)), float32(math.Inf(-1)), float32(math.Inf(-1))})
	if err == nil {
		t.Error("expected error for no valid tokens, got index", idx)
	}

	_, err = Weighted(nil).Sample(nil)
	if err == nil {
		t.Error("expected error for empty logits")
	}
}

func TestSeeded(t *testing.T) {
	logits := []float32{1, 2, 3, 4, 3, 2, 1, 0}

	draw := func(seed uint64) []int32 {
		s := Weighted(&seed, Temperature(1))
		var ids []int32
		for range 32 {
			id, err := s.Sample(logits)
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)
		}
		return ids
	}

	first := draw(299792458)
	if diff := cmp.Diff(first, draw(299792458)); diff != "" {
		t.Errorf("same seed gave different draws (-first +second):\n%s", diff)
	}

	if cmp.Equal(first, draw(1)) {
		t.Error("different seeds gave identical draws")
	}
}

func TestSample(t *testing.T) {
	input := []float32{1, 2, 3, 4}

	var callOrder []int
	mock1 := &testTransform{id: 1, callOrder: &callOrder}
	mock2 := &testTransform{id: 2, callOrder: &callOrder}
	mock3 := &testTransform{id: 3, callOrder: &callOrder}

	got, err := Greedy(mock1, mock2, mock3).Sample(input)
	if err != nil {
		t.Error(err)
		return
	}

	want := int32(3) // Greedy sampler should pick highest logit
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sampled index mismatch (-want +got):\n%s", diff)
	}
	wantOrder := []int{1, 2, 3}
	if diff := cmp.Diff(wantOrder, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	callOrder = nil

	_, err = Weighted(nil, mock1, mock2, mock3).Sample(input)
	if err != nil {
		t.Error(err)
		return
	}
	if diff := cmp.Diff(wantOrder, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	errMock := &testErrorTransform{}
	if _, err := Greedy(mock1, errMock).Sample(input); err == nil {
		t.Error("expected error from transform")
	}
}

type testErrorTransform struct{}

func (ts *testErrorTransform) Apply(logits []float64) ([]float64, error) {
	return nil, errTest
}

var errTest = errors.New("transform failed")

func TestGreedyTies(t *testing.T) {
	got, err := Greedy().Sample([]float32{0, 5, 5, 1})
	if err != nil {
		t.Fatal(err)
	}

	if got != 1 {
		t.Errorf("greedy tie: have %v want 1", got)
	}
}

func TestNewSampler(t *testing.T) {
	if _, ok := NewSampler(0, 40, 0.9, 0.05, 1).(greedy); !ok {
		t.Error("zero temperature should be greedy")
	}

	if _, ok := NewSampler(-1, 0, 0, 0, 1).(greedy); !ok {
		t.Error("negative temperature should be greedy")
	}

	s, ok := NewSampler(0.2, 40, 0.9, 0, 1).(weighted)
	if !ok {
		t.Fatal("positive temperature should be weighted")
	}

	if len(s.transforms) != 3 {
		t.Errorf("have %d transforms want 3", len(s.transforms))
	}

	// topK = 1 leaves a single candidate whatever the seed
	for seed := range uint64(8) {
		id, err := NewSampler(1, 1, 0, 0, seed).Sample([]float32{0, 1, 9, 2})
		if err != nil {
			t.Fatal(err)
		}

		if id != 2 {
			t.Errorf("seed %d: have %v want 2", seed, id)
		}
	}

	// temperatures above 2 flatten the distribution but still sample
	for seed := range uint64(8) {
		id, err := NewSampler(2.5, 0, 0, 0, seed).Sample([]float32{0, 1, 9, 2})
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}

		if id < 0 || id > 3 {
			t.Errorf("seed %d: id %v out of range", seed, id)
		}
	}
}
