package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/llava-go/llava/fs/hf"
)

const testTokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "<unk>", "special": true},
    {"id": 1, "content": "<s>", "special": true},
    {"id": 2, "content": "</s>", "special": true}
  ],
  "normalizer": {
    "type": "Sequence",
    "normalizers": [
      {"type": "Prepend", "prepend": "▁"},
      {"type": "Replace", "pattern": {"String": " "}, "content": "▁"}
    ]
  },
  "pre_tokenizer": null,
  "post_processor": {
    "type": "TemplateProcessing",
    "single": [
      {"SpecialToken": {"id": "<s>", "type_id": 0}},
      {"Sequence": {"id": "A", "type_id": 0}}
    ]
  },
  "model": {
    "type": "BPE",
    "unk_token": "<unk>",
    "byte_fallback": true,
    "vocab": {
      "<unk>": 0, "<s>": 1, "</s>": 2, "<0x0A>": 3, "<0xE2>": 4, "<0x82>": 5, "<0xAC>": 6,
      "▁": 7, "h": 8, "e": 9, "l": 10, "o": 11, "▁h": 12, "ll": 13, "▁he": 14, "llo": 15, "▁hello": 16
    },
    "merges": [["▁", "h"], ["l", "l"], ["▁h", "e"], ["ll", "o"], ["▁he", "llo"]]
  }
}`

func TestNewTextProcessor(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(testTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(`{
  "bos_token": {"content": "<s>", "lstrip": false},
  "eos_token": "</s>",
  "model_max_length": 2048
}`), 0o644); err != nil {
		t.Fatal(err)
	}

	config := hf.FromMap(map[string]any{"eos_token_id": []any{float64(2), float64(7)}})
	tp, err := NewTextProcessor(dir, config)
	if err != nil {
		t.Fatal(err)
	}

	vocab := tp.Vocabulary()
	if diff := cmp.Diff([]int32{1}, vocab.BOS); diff != "" {
		t.Errorf("bos mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int32{2, 7}, vocab.EOS); diff != "" {
		t.Errorf("eos mismatch (-want +got):\n%s", diff)
	}

	if !vocab.AddBOS || vocab.AddEOS {
		t.Errorf("add bos %v add eos %v, want true false", vocab.AddBOS, vocab.AddEOS)
	}

	if vocab.Types[0] != TOKEN_TYPE_CONTROL || vocab.Types[3] != TOKEN_TYPE_BYTE || vocab.Types[16] != TOKEN_TYPE_NORMAL {
		t.Errorf("unexpected token types %v", vocab.Types)
	}

	ids, err := tp.Encode("hello hello", true)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{1, 16, 16}, ids); diff != "" {
		t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
	}

	s, err := tp.Decode(ids[1:])
	if err != nil {
		t.Fatal(err)
	}

	if s != "hello hello" {
		t.Errorf("Decode() = %q", s)
	}
}

func TestNewTextProcessorMissing(t *testing.T) {
	if _, err := NewTextProcessor(t.TempDir(), nil); err == nil {
		t.Error("expected an error without tokenizer.json")
	}
}

func TestParseTokenizer(t *testing.T) {
	var base tokenizer
	if err := json.Unmarshal([]byte(testTokenizerJSON), &base); err != nil {
		t.Fatal(err)
	}

	t.Run("metaspace first", func(t *testing.T) {
		tok := base
		tok.Normalizer = nil
		tok.PreTokenizer = &tokenizerStep{Type: "Metaspace", PrependScheme: "first"}

		no := false
		tp, err := parseTokenizer(tok, tokenizerConfig{AddBOSToken: &no}, nil)
		if err != nil {
			t.Fatal(err)
		}

		ids, err := tp.Encode("hello</s>hello", true)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]int32{16, 2, 8, 9, 15}, ids); diff != "" {
			t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("string merges", func(t *testing.T) {
		tok := base
		tok.Model.Merges = json.RawMessage(`["▁ h", "l l"]`)

		tp, err := parseTokenizer(tok, tokenizerConfig{}, nil)
		if err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]string{"▁ h", "l l"}, tp.Vocabulary().Merges); diff != "" {
			t.Errorf("merges mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unsupported model", func(t *testing.T) {
		tok := base
		tok.Model.Type = "WordPiece"

		if _, err := parseTokenizer(tok, tokenizerConfig{}, nil); err == nil {
			t.Error("expected an error")
		}
	})
}
