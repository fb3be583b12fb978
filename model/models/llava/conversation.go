package llava

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
)

type SepStyle int

const (
	SepSingle SepStyle = iota
	SepTwo
	SepMPT
	SepLlama2
)

// Conversation is a chat template. Messages pairs a role with its message;
// an empty message leaves the turn open for the model to complete.
type Conversation struct {
	System   string
	Roles    [2]string
	Messages [][2]string
	Style    SepStyle
	Sep      string
	Sep2     string
}

const vicunaSystem = "A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions."

var conversations = map[string]Conversation{
	"llava_v0": {
		System: vicunaSystem,
		Roles:  [2]string{"Human", "Assistant"},
		Style:  SepSingle,
		Sep:    "###",
	},
	"llava_v1": {
		System: vicunaSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SepTwo,
		Sep:    " ",
		Sep2:   "</s>",
	},
	"llava_llama_2": {
		System: "You are a helpful language and vision assistant. You are able to understand the visual content that the user provides, and assist the user with a variety of tasks using natural language.",
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SepLlama2,
		Sep:    "<s>",
		Sep2:   "</s>",
	},
	"mistral_instruct": {
		Roles: [2]string{"USER", "ASSISTANT"},
		Style: SepLlama2,
		Sep2:  "</s>",
	},
	"chatml_direct": {
		System: "<|im_start|>system\nAnswer the questions.",
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  SepMPT,
		Sep:    "<|im_end|>",
	},
	"mpt": {
		System: "<|im_start|>system\nA conversation between a user and an LLM-based AI assistant. The assistant gives helpful and honest answers.",
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  SepMPT,
		Sep:    "<|im_end|>",
	},
}

// ConversationModes lists the names accepted by NewConversation.
func ConversationModes() []string {
	modes := make([]string, 0, len(conversations))
	for name := range conversations {
		modes = append(modes, name)
	}

	slices.Sort(modes)
	return modes
}

// NewConversation returns an empty copy of the named template.
func NewConversation(mode string) (*Conversation, error) {
	c, ok := conversations[mode]
	if !ok {
		return nil, &ConfigError{Key: "conv_mode", Value: mode, Err: fmt.Errorf("%w: want one of %s", ErrUnsupported, strings.Join(ConversationModes(), ", "))}
	}

	return &c, nil
}

// modeRules are checked in order against the lower cased model name.
var modeRules = []struct {
	pattern *regexp2.Regexp
	mode    string
}{
	{regexp2.MustCompile(`llama-2`, regexp2.None), "llava_llama_2"},
	{regexp2.MustCompile(`mistral`, regexp2.None), "mistral_instruct"},
	{regexp2.MustCompile(`v1\.6-34b`, regexp2.None), "chatml_direct"},
	{regexp2.MustCompile(`v1`, regexp2.None), "llava_v1"},
	{regexp2.MustCompile(`mpt`, regexp2.None), "mpt"},
}

// DetectConversationMode infers the template a model was trained with
// from its name.
func DetectConversationMode(name string) string {
	name = strings.ToLower(name)
	for _, rule := range modeRules {
		if ok, err := rule.pattern.MatchString(name); err == nil && ok {
			return rule.mode
		}
	}

	return "llava_v0"
}

// ResolveConversationMode returns requested, or the detected mode when
// requested is empty. Overriding the detected mode is allowed but logged.
func ResolveConversationMode(name, requested string) string {
	detected := DetectConversationMode(name)
	if requested == "" {
		return detected
	}

	if requested != detected {
		slog.Warn("conversation mode differs from the mode detected from the model name", "detected", detected, "requested", requested)
	}

	return requested
}

func (c *Conversation) AppendMessage(role, message string) {
	c.Messages = append(c.Messages, [2]string{role, message})
}

// Prompt renders the conversation.
func (c *Conversation) Prompt() string {
	var sb strings.Builder
	switch c.Style {
	case SepSingle:
		sb.WriteString(c.System + c.Sep)
		for _, m := range c.Messages {
			if m[1] != "" {
				sb.WriteString(m[0] + ": " + m[1] + c.Sep)
			} else {
				sb.WriteString(m[0] + ":")
			}
		}
	case SepTwo:
		seps := [2]string{c.Sep, c.Sep2}
		sb.WriteString(c.System + seps[0])
		for i, m := range c.Messages {
			if m[1] != "" {
				sb.WriteString(m[0] + ": " + m[1] + seps[i%2])
			} else {
				sb.WriteString(m[0] + ":")
			}
		}
	case SepMPT:
		sb.WriteString(c.System + c.Sep)
		for _, m := range c.Messages {
			if m[1] != "" {
				sb.WriteString(m[0] + m[1] + c.Sep)
			} else {
				sb.WriteString(m[0])
			}
		}
	case SepLlama2:
		for i, m := range c.Messages {
			message := m[1]
			if message == "" {
				continue
			}

			if i == 0 && c.System != "" {
				message = "<<SYS>>\n" + c.System + "\n<</SYS>>\n\n" + message
			}

			if i%2 == 0 {
				sb.WriteString(c.Sep + "[INST] " + message + " [/INST]")
			} else {
				sb.WriteString(" " + message + " " + c.Sep2)
			}
		}

		if c.Sep != "" {
			return strings.TrimLeft(sb.String(), c.Sep)
		}
	}

	return sb.String()
}
