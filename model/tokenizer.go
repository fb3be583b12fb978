package model

import (
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/llava-go/llava/fs"
)

type tokenizer struct {
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`

	Normalizer    *tokenizerStep `json:"normalizer"`
	PreTokenizer  *tokenizerStep `json:"pre_tokenizer"`
	PostProcessor *tokenizerStep `json:"post_processor"`

	Model struct {
		Type         string           `json:"type"`
		Vocab        map[string]int32 `json:"vocab"`
		Merges       json.RawMessage  `json:"merges"`
		ByteFallback bool             `json:"byte_fallback"`
		UnkToken     string           `json:"unk_token"`
	} `json:"model"`
}

// tokenizerStep covers the normalizer, pre tokenizer and post processor
// shapes used by SentencePiece exports.
type tokenizerStep struct {
	Type string `json:"type"`

	// Sequence
	Normalizers   []tokenizerStep `json:"normalizers"`
	PreTokenizers []tokenizerStep `json:"pretokenizers"`

	// Prepend
	Prepend string `json:"prepend"`

	// Metaspace
	PrependScheme  string `json:"prepend_scheme"`
	AddPrefixSpace *bool  `json:"add_prefix_space"`

	// TemplateProcessing
	Single []struct {
		SpecialToken *struct {
			ID string `json:"id"`
		} `json:"SpecialToken"`
	} `json:"single"`
}

func (s *tokenizerStep) walk(yield func(*tokenizerStep)) {
	if s == nil {
		return
	}

	yield(s)
	for i := range s.Normalizers {
		s.Normalizers[i].walk(yield)
	}

	for i := range s.PreTokenizers {
		s.PreTokenizers[i].walk(yield)
	}
}

type tokenizerConfig struct {
	AddBOSToken *bool           `json:"add_bos_token"`
	AddEOSToken *bool           `json:"add_eos_token"`
	BOSToken    json.RawMessage `json:"bos_token"`
	EOSToken    json.RawMessage `json:"eos_token"`
}

// tokenContent reads a token given either as a plain string or as an
// added token object with a content field.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var t struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &t); err == nil {
		return t.Content
	}

	return ""
}

var byteToken = regexp2.MustCompile(`^<0x[0-9A-F]{2}>$`, regexp2.None)

func isByteToken(s string) bool {
	ok, err := byteToken.MatchString(s)
	return err == nil && ok
}

// NewTextProcessor loads tokenizer.json and tokenizer_config.json from dir.
// End of sequence ids listed in the model config are added to the
// tokenizer's own.
func NewTextProcessor(dir string, c fs.Config) (TextProcessor, error) {
	bts, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}

	var t tokenizer
	if err := json.Unmarshal(bts, &t); err != nil {
		return nil, fmt.Errorf("tokenizer.json: %w", err)
	}

	var tc tokenizerConfig
	if bts, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); errors.Is(err, iofs.ErrNotExist) {
		slog.Debug("no tokenizer_config.json", "dir", dir)
	} else if err != nil {
		return nil, err
	} else if err := json.Unmarshal(bts, &tc); err != nil {
		return nil, fmt.Errorf("tokenizer_config.json: %w", err)
	}

	return parseTokenizer(t, tc, c)
}

func parseTokenizer(t tokenizer, tc tokenizerConfig, c fs.Config) (TextProcessor, error) {
	if t.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", t.Model.Type)
	}

	size := len(t.Model.Vocab)
	for _, added := range t.AddedTokens {
		size = max(size, int(added.ID)+1)
	}

	vocab := Vocabulary{
		Values: make([]string, size),
		Types:  make([]int32, size),
	}

	for token, id := range t.Model.Vocab {
		if id < 0 || int(id) >= size {
			return nil, fmt.Errorf("token %q has invalid id %d", token, id)
		}

		vocab.Values[id] = token
		switch {
		case token == t.Model.UnkToken:
			vocab.Types[id] = TOKEN_TYPE_UNKNOWN
		case t.Model.ByteFallback && isByteToken(token):
			vocab.Types[id] = TOKEN_TYPE_BYTE
		default:
			vocab.Types[id] = TOKEN_TYPE_NORMAL
		}
	}

	for _, added := range t.AddedTokens {
		vocab.Values[added.ID] = added.Content
		if added.Special {
			vocab.Types[added.ID] = TOKEN_TYPE_CONTROL
		} else {
			vocab.Types[added.ID] = TOKEN_TYPE_USER_DEFINED
		}
	}

	for id := range vocab.Types {
		if vocab.Types[id] == 0 {
			vocab.Types[id] = TOKEN_TYPE_UNUSED
		}
	}

	merges, err := parseMerges(t.Model.Merges)
	if err != nil {
		return nil, err
	}
	vocab.Merges = merges

	if bos := tokenContent(tc.BOSToken); bos != "" {
		if id := vocab.Encode(bos); id >= 0 {
			vocab.BOS = append(vocab.BOS, id)
		}
	}

	if eos := tokenContent(tc.EOSToken); eos != "" {
		if id := vocab.Encode(eos); id >= 0 {
			vocab.EOS = append(vocab.EOS, id)
		}
	}

	if c != nil {
		for _, id := range c.Ints("eos_token_id") {
			if !slices.Contains(vocab.EOS, id) {
				vocab.EOS = append(vocab.EOS, id)
			}
		}

		if len(vocab.BOS) == 0 {
			vocab.BOS = c.Ints("bos_token_id")
		}
	}

	// the post processor template tells whether bos is added when the
	// tokenizer config does not say
	if tc.AddBOSToken != nil {
		vocab.AddBOS = *tc.AddBOSToken
	} else if t.PostProcessor != nil && t.PostProcessor.Type == "TemplateProcessing" {
		for _, piece := range t.PostProcessor.Single {
			if piece.SpecialToken != nil && slices.Contains(vocab.BOS, vocab.Encode(piece.SpecialToken.ID)) {
				vocab.AddBOS = true
			}
		}
	}

	if tc.AddEOSToken != nil {
		vocab.AddEOS = *tc.AddEOSToken
	}

	prefix := PrefixNever
	t.Normalizer.walk(func(s *tokenizerStep) {
		if s.Type == "Prepend" && s.Prepend == spmWhitespaceSep {
			prefix = PrefixAlways
		}
	})

	t.PreTokenizer.walk(func(s *tokenizerStep) {
		if s.Type != "Metaspace" {
			return
		}

		switch {
		case s.PrependScheme == "first":
			prefix = PrefixFirst
		case s.PrependScheme == "always":
			prefix = PrefixAlways
		case s.PrependScheme == "never":
			prefix = PrefixNever
		case s.AddPrefixSpace != nil && *s.AddPrefixSpace:
			prefix = PrefixAlways
		}
	})

	slog.Debug("loaded tokenizer", "vocab", len(vocab.Values), "merges", len(vocab.Merges), "bos", vocab.BOS, "eos", vocab.EOS, "add_bos", vocab.AddBOS, "prefix", prefix)

	spm := NewSentencePiece(&vocab, prefix)
	return &spm, nil
}

// parseMerges accepts both merge encodings found in tokenizer.json: "a b"
// strings and [a, b] pairs.
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s []string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("tokenizer.json: merges: %w", err)
	}

	s = make([]string, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("tokenizer.json: merge %d has %d parts", i, len(p))
		}

		s[i] = strings.Join(p, " ")
	}

	return s, nil
}
