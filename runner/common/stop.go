// Package common holds text handling shared by the command line and the
// server once generated tokens have been decoded.
package common

import (
	"strings"
)

func FindStop(sequence string, stops []string) (bool, string) {
	for _, stop := range stops {
		if strings.Contains(sequence, stop) {
			return true, stop
		}
	}

	return false, ""
}

func ContainsStopSuffix(sequence string, stops []string) bool {
	for _, stop := range stops {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(sequence, stop[:i]) {
				return true
			}
		}
	}

	return false
}

// TruncateStop removes the provided stop string from pieces,
// returning the partial pieces with stop removed, including truncating
// the last piece if required (and signalling if this was the case)
func TruncateStop(pieces []string, stop string) ([]string, bool) {
	sequence := strings.Join(pieces, "")

	idx := strings.Index(sequence, stop)
	if idx < 0 {
		return pieces, false
	}

	truncated := sequence[:idx]
	if len(truncated) == 0 {
		return nil, true
	}

	result := make([]string, 0, len(pieces))

	// Track position in truncated sequence
	pos := 0
	truncationHappened := false
	for _, piece := range pieces {
		if pos >= len(truncated) {
			break
		}

		chunk := truncated[pos:min(pos+len(piece), len(truncated))]
		if len(chunk) < len(piece) {
			truncationHappened = true
		}
		if len(chunk) > 0 {
			result = append(result, chunk)
		}
		pos += len(piece)
	}

	return result, truncationHappened
}

// StopBuffer holds back decoded pieces while they could still be the start
// of a stop sequence.
type StopBuffer struct {
	stops   []string
	pending []string
}

func NewStopBuffer(stops []string) *StopBuffer {
	return &StopBuffer{stops: stops}
}

// Add appends piece and returns the pieces that are safe to emit. stopped
// reports that a stop sequence was found; the returned pieces then end
// just before it and later pieces must be discarded.
func (b *StopBuffer) Add(piece string) (ready []string, stopped bool) {
	b.pending = append(b.pending, piece)
	sequence := strings.Join(b.pending, "")

	if ok, stop := FindStop(sequence, b.stops); ok {
		ready, _ = TruncateStop(b.pending, stop)
		b.pending = nil
		return ready, true
	}

	if ContainsStopSuffix(sequence, b.stops) {
		return nil, false
	}

	ready, b.pending = b.pending, nil
	return ready, false
}

// Flush returns whatever is still held back.
func (b *StopBuffer) Flush() []string {
	ready := b.pending
	b.pending = nil
	return ready
}
