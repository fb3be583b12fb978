package model

import (
	"strings"
	"unicode/utf8"
)

// TextStream turns a sequence of token ids into printable text as they
// arrive. Text is only released once it ends in a complete character, so
// byte fallback tokens that split a character are buffered until the
// character is whole. One token of context is kept so that spaces
// introduced by a token are not lost to the decoder's prefix handling.
type TextStream struct {
	tp     TextProcessor
	tokens []int32
	prev   int
	cur    int
}

func NewTextStream(tp TextProcessor) *TextStream {
	return &TextStream{tp: tp}
}

// Next adds id to the stream and returns the text that became printable,
// which may be empty.
func (s *TextStream) Next(id int32) (string, error) {
	prevText, err := s.tp.Decode(s.tokens[s.prev:s.cur])
	if err != nil {
		return "", err
	}

	s.tokens = append(s.tokens, id)
	text, err := s.tp.Decode(s.tokens[s.prev:])
	if err != nil {
		return "", err
	}

	if len(text) > len(prevText) && complete(text) {
		s.prev = s.cur
		s.cur = len(s.tokens)
		return text[len(prevText):], nil
	}

	return "", nil
}

// Flush returns any text still held back by the stream.
func (s *TextStream) Flush() (string, error) {
	prevText, err := s.tp.Decode(s.tokens[s.prev:s.cur])
	if err != nil {
		return "", err
	}

	text, err := s.tp.Decode(s.tokens[s.prev:])
	if err != nil {
		return "", err
	}

	if len(text) > len(prevText) {
		s.prev = s.cur
		s.cur = len(s.tokens)
		return strings.ToValidUTF8(text[len(prevText):], string(utf8.RuneError)), nil
	}

	return "", nil
}

// Tokens returns the ids seen so far.
func (s *TextStream) Tokens() []int32 {
	return s.tokens
}

func complete(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r != utf8.RuneError
}
