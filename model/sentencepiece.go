package model

import (
	"cmp"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/llava-go/llava/logutil"
)

const spmWhitespaceSep = "▁"

// PrefixMode controls where the "▁" dummy prefix is added before merging.
type PrefixMode int

const (
	// PrefixNever adds no dummy prefix.
	PrefixNever PrefixMode = iota
	// PrefixFirst adds it to the first fragment of the input only.
	PrefixFirst
	// PrefixAlways adds it to every fragment between special tokens.
	PrefixAlways
)

// SentencePiece is the byte fallback BPE used by Llama style tokenizers
// exported to tokenizer.json. Spaces are spelled "▁" and pairs merge in
// the order of the merge list.
type SentencePiece struct {
	maxTokenLen int
	prefix      PrefixMode
	unknown     int32
	vocab       *Vocabulary
}

var _ TextProcessor = (*SentencePiece)(nil)

func (spm SentencePiece) Vocabulary() *Vocabulary {
	return spm.vocab
}

func NewSentencePiece(vocab *Vocabulary, prefix PrefixMode) SentencePiece {
	logutil.Trace("Tokens", "num tokens", len(vocab.Values), "merges", len(vocab.Merges))

	counter := map[int]int{}
	var maxTokenLen int
	unknown := int32(-1)
	for cnt := range vocab.Types {
		switch vocab.Types[cnt] {
		case TOKEN_TYPE_NORMAL, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_UNUSED:
			maxTokenLen = max(maxTokenLen, len(vocab.Values[cnt]))
		case TOKEN_TYPE_UNKNOWN:
			if unknown < 0 {
				unknown = int32(cnt)
			}
		}

		counter[int(vocab.Types[cnt])] += 1
	}

	logutil.Trace("Token counts", "normal", counter[TOKEN_TYPE_NORMAL], "unknown", counter[TOKEN_TYPE_UNKNOWN], "control", counter[TOKEN_TYPE_CONTROL],
		"user defined", counter[TOKEN_TYPE_USER_DEFINED], "unused", counter[TOKEN_TYPE_UNUSED], "byte", counter[TOKEN_TYPE_BYTE],
		"max token len", maxTokenLen)

	return SentencePiece{
		maxTokenLen: maxTokenLen,
		prefix:      prefix,
		unknown:     unknown,
		vocab:       vocab,
	}
}

func (spm SentencePiece) Is(id int32, special Special) bool {
	return spm.vocab.Is(id, special)
}

type fragment struct {
	value string
	ids   []int32
}

type merge struct {
	p, n  int
	runes []rune
}

type pair struct {
	a, b  int
	rank  int
	value string
}

// split separates the special tokens of s into their own fragments.
func (spm SentencePiece) split(s string) []fragment {
	fragments := []fragment{{value: s}}
	for _, special := range spm.vocab.SpecialVocabulary() {
		id := spm.vocab.Encode(special)
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch i := strings.Index(frag.value, special); {
			case i < 0:
				middle = append(middle, frag)
			case i > 0:
				middle = append(middle, fragment{value: frag.value[:i]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special, ids: []int32{id}})
				if rest := frag.value[i+len(special):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = append(fragments[:i], append(middle, fragments[i+1:]...)...)
		}
	}

	return fragments
}

func (spm SentencePiece) Encode(s string, addSpecial bool) ([]int32, error) {
	var ids []int32
	for i, frag := range spm.split(s) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		if frag.value == "" {
			continue
		}

		text := strings.ReplaceAll(frag.value, " ", spmWhitespaceSep)
		if spm.prefix == PrefixAlways || (spm.prefix == PrefixFirst && i == 0) {
			text = spmWhitespaceSep + text
		}

		ids = append(ids, spm.encode(text)...)
	}

	if addSpecial {
		ids = spm.vocab.addSpecials(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids, nil
}

// encode merges the runes of text pair by pair, lowest merge rank first,
// then maps each resulting piece to its id or to its bytes.
func (spm SentencePiece) encode(text string) []int32 {
	runes := []rune(text)
	merges := make([]merge, len(runes))
	for r := range runes {
		merges[r] = merge{
			p:     r - 1,
			n:     r + 1,
			runes: []rune{runes[r]},
		}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(merges[a].runes), string(merges[b].runes)
		rank := spm.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{
			a:     a,
			b:     b,
			rank:  rank,
			value: left + right,
		}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}

		return cmp.Compare(i.a, j.a)
	})

	for i := range len(runes) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := merges[pair.a], merges[pair.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			left.n != pair.b ||
			string(left.runes)+string(right.runes) != pair.value {
			continue
		}

		if id := spm.vocab.Encode(pair.value); id < 0 {
			continue
		}

		merges[pair.a].runes = append(left.runes, right.runes...)
		merges[pair.b].runes = nil

		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, merge := range merges {
		token := string(merge.runes)
		if token == "" {
			continue
		}

		if id := spm.vocab.Encode(token); id >= 0 {
			ids = append(ids, id)
			continue
		}

		// Fallback to byte tokenization
		for _, b := range []byte(token) {
			byteToken := fmt.Sprintf("<0x%02X>", b)
			if id := spm.vocab.Encode(byteToken); id >= 0 {
				ids = append(ids, id)
			} else if spm.unknown >= 0 {
				slog.Debug("unknown byte token", "byte", b, "token", byteToken)
				ids = append(ids, spm.unknown)
				break
			}
		}
	}

	return ids
}

func (spm SentencePiece) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(spm.vocab.Values) {
			return "", fmt.Errorf("token id %d out of range for vocabulary of %d", id, len(spm.vocab.Values))
		}

		data := spm.vocab.Decode(id)
		data = strings.ReplaceAll(data, spmWhitespaceSep, " ")

		// For tokenizers that use byte tokens like "<0xEA>"
		// convert them to the partial unicode character
		// so they are buffered correctly by the text stream
		// instead of being printed as "<0xEA>"
		if len(data) == 6 && strings.HasPrefix(data, "<0x") && strings.HasSuffix(data, ">") {
			byteVal, err := strconv.ParseUint(data[1:5], 0, 8)
			if err != nil {
				return "", fmt.Errorf("failed to parse hex byte: %v", err)
			}

			if err := sb.WriteByte(byte(byteVal)); err != nil {
				return "", err
			}
		} else {
			if _, err := sb.WriteString(data); err != nil {
				return "", err
			}
		}
	}

	s := sb.String()
	if spm.prefix != PrefixNever {
		s = strings.TrimPrefix(s, " ")
	}

	logutil.Trace("decoded", "ids", ids, "string", s)
	return s, nil
}
