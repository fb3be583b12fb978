package llava

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/llava-go/llava/model"
)

func TestDetectConversationMode(t *testing.T) {
	cases := map[string]string{
		"llava-llama-2-13b-chat-lightning-preview": "llava_llama_2",
		"llava-v1.6-mistral-7b":                    "mistral_instruct",
		"llava-v1.6-34b":                           "chatml_direct",
		"llava-v1.5-7b":                            "llava_v1",
		"LLaVA-V1.6-Vicuna-7B":                     "llava_v1",
		"llava-mpt-7b":                             "mpt",
		"llava-13b-delta":                          "llava_v0",
	}

	for name, want := range cases {
		if got := DetectConversationMode(name); got != want {
			t.Errorf("DetectConversationMode(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestResolveConversationMode(t *testing.T) {
	if got := ResolveConversationMode("llava-v1.5-7b", ""); got != "llava_v1" {
		t.Errorf("got %q, want the detected mode", got)
	}

	if got := ResolveConversationMode("llava-v1.5-7b", "chatml_direct"); got != "chatml_direct" {
		t.Errorf("got %q, want the requested mode", got)
	}
}

func TestConversationPrompt(t *testing.T) {
	cases := []struct {
		mode string
		want string
	}{
		{
			mode: "llava_v1",
			want: vicunaSystem + " USER: <image>\nWhat is this? ASSISTANT:",
		},
		{
			mode: "llava_v0",
			want: vicunaSystem + "###Human: <image>\nWhat is this?###Assistant:",
		},
		{
			mode: "chatml_direct",
			want: "<|im_start|>system\nAnswer the questions.<|im_end|><|im_start|>user\n<image>\nWhat is this?<|im_end|><|im_start|>assistant\n",
		},
		{
			mode: "mistral_instruct",
			want: "[INST] <image>\nWhat is this? [/INST]",
		},
		{
			mode: "llava_llama_2",
			want: "[INST] <<SYS>>\n" + conversations["llava_llama_2"].System + "\n<</SYS>>\n\n<image>\nWhat is this? [/INST]",
		},
	}

	for _, tt := range cases {
		t.Run(tt.mode, func(t *testing.T) {
			conv, err := NewConversation(tt.mode)
			if err != nil {
				t.Fatal(err)
			}

			conv.AppendMessage(conv.Roles[0], ImagePrompt("What is this?", 1, false))
			conv.AppendMessage(conv.Roles[1], "")

			if diff := cmp.Diff(tt.want, conv.Prompt()); diff != "" {
				t.Errorf("Prompt() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConversationTemplatesAreCopies(t *testing.T) {
	conv, err := NewConversation("llava_v1")
	if err != nil {
		t.Fatal(err)
	}

	conv.AppendMessage("USER", "hi")
	if len(conversations["llava_v1"].Messages) != 0 {
		t.Error("appending to a conversation modified the template")
	}

	if !slices.Contains(ConversationModes(), "llava_v1") {
		t.Errorf("modes %v do not list llava_v1", ConversationModes())
	}
}

func TestImagePrompt(t *testing.T) {
	cases := []struct {
		question      string
		images        int
		useImStartEnd bool
		want          string
	}{
		{question: "Is this a cat?", images: 1, want: "<image>\nIs this a cat?"},
		{question: "Is this a cat?", images: 2, want: "<image>\n<image>\nIs this a cat?"},
		{question: "Is this a cat?", images: 1, useImStartEnd: true, want: "<im_start><image><im_end>\nIs this a cat?"},
		{question: "Look: <image-placeholder> cat?", images: 1, want: "Look: <image> cat?"},
		{question: "Look: <image-placeholder> cat?", images: 1, useImStartEnd: true, want: "Look: <im_start><image><im_end> cat?"},
	}

	for _, tt := range cases {
		if got := ImagePrompt(tt.question, tt.images, tt.useImStartEnd); got != tt.want {
			t.Errorf("ImagePrompt(%q, %d, %v) = %q, want %q", tt.question, tt.images, tt.useImStartEnd, got, tt.want)
		}
	}
}

func TestTokenizeImagePrompt(t *testing.T) {
	tp := testTextProcessor()

	encode := func(s string) []int32 {
		ids, err := tp.Encode(s, false)
		if err != nil {
			t.Fatal(err)
		}
		return ids
	}

	got, err := TokenizeImagePrompt(tp, "ab<image>cd<image>e", -200)
	if err != nil {
		t.Fatal(err)
	}

	want := []int32{1}
	want = append(want, encode("ab")...)
	want = append(want, -200)
	want = append(want, encode("cd")...)
	want = append(want, -200)
	want = append(want, encode("e")...)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TokenizeImagePrompt() mismatch (-want +got):\n%s", diff)
	}

	got, err = TokenizeImagePrompt(tp, "<image>", -200)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{1, -200}, got); diff != "" {
		t.Errorf("lone image mismatch (-want +got):\n%s", diff)
	}

	if !tp.Is(got[0], model.SpecialBOS) {
		t.Error("first token is not bos")
	}
}
