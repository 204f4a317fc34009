package looksee

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/chriskillpack/looksee/generator"
)

// SepStyle controls how turns are joined into a single prompt string.
type SepStyle int

const (
	SepSingle SepStyle = iota
	SepTwo
	SepMPT
	SepLlama2
)

const defaultSystem = "A chat between a curious human and an artificial intelligence assistant. " +
	"The assistant gives helpful, detailed, and polite answers to the human's questions."

// Template is a named prompt style. Templates are shared and must not be
// modified; per-session state lives in Conversation.
type Template struct {
	Name   string
	System string
	Roles  [2]string // user, assistant
	Style  SepStyle
	Sep    string
	Sep2   string
}

var templates = map[string]*Template{
	"llava_v0": {
		Name:   "llava_v0",
		System: defaultSystem,
		Roles:  [2]string{"Human", "Assistant"},
		Style:  SepSingle,
		Sep:    "###",
	},
	"llava_v1": {
		Name:   "llava_v1",
		System: defaultSystem,
		Roles:  [2]string{"USER", "ASSISTANT"},
		Style:  SepTwo,
		Sep:    " ",
		Sep2:   "</s>",
	},
	"llava_llama_2": {
		Name: "llava_llama_2",
		System: "You are a helpful language and vision assistant. You are able to understand the visual " +
			"content that the user provides, and assist the user with a variety of tasks using natural language.",
		Roles: [2]string{"USER", "ASSISTANT"},
		Style: SepLlama2,
		Sep:   "<s>",
		Sep2:  "</s>",
	},
	"mistral_instruct": {
		Name:  "mistral_instruct",
		Roles: [2]string{"USER", "ASSISTANT"},
		Style: SepLlama2,
		Sep2:  "</s>",
	},
	"chatml_direct": {
		Name:   "chatml_direct",
		System: "Answer the questions.",
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  SepMPT,
		Sep:    "<|im_end|>",
	},
	"mpt": {
		Name:   "mpt",
		System: "A conversation between a user and an LLM-based AI assistant. The assistant gives helpful and honest answers.",
		Roles:  [2]string{"<|im_start|>user\n", "<|im_start|>assistant\n"},
		Style:  SepMPT,
		Sep:    "<|im_end|>",
	},
}

// LookupTemplate returns the named template.
func LookupTemplate(name string) (*Template, error) {
	t, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown conversation template %q, expected one of %s", name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// TemplateNames returns the sorted names of all templates.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DisplayRoles returns the role labels shown on the console. MPT models get
// plain user/assistant labels whatever template is in use, as do templates
// whose roles are ChatML markup.
func (t *Template) DisplayRoles(modelName string) (user, assistant string) {
	if strings.Contains(strings.ToLower(modelName), "mpt") || strings.HasPrefix(t.Roles[0], "<|im_start|>") {
		return "user", "assistant"
	}
	return t.Roles[0], t.Roles[1]
}

// Stop returns the strings that end a generated assistant turn.
func (t *Template) Stop() []string {
	switch t.Style {
	case SepTwo, SepLlama2:
		return []string{t.Sep2}
	default:
		return []string{t.Sep}
	}
}

// Render joins turns into a single prompt. A trailing turn with empty text is
// rendered as an open slot for the model to complete.
func (t *Template) Render(turns []Turn) string {
	var sb strings.Builder

	switch t.Style {
	case SepSingle:
		sb.WriteString(t.System + t.Sep)
		for _, turn := range turns {
			role := t.role(turn.Role)
			if turn.Text != "" {
				sb.WriteString(role + ": " + turn.Text + t.Sep)
			} else {
				sb.WriteString(role + ":")
			}
		}

	case SepTwo:
		seps := [2]string{t.Sep, t.Sep2}
		sb.WriteString(t.System + seps[0])
		for i, turn := range turns {
			role := t.role(turn.Role)
			if turn.Text != "" {
				sb.WriteString(role + ": " + turn.Text + seps[i%2])
			} else {
				sb.WriteString(role + ":")
			}
		}

	case SepMPT:
		sb.WriteString("<|im_start|>system\n" + t.System + t.Sep)
		for _, turn := range turns {
			role := t.role(turn.Role)
			if turn.Text != "" {
				sb.WriteString(role + turn.Text + t.Sep)
			} else {
				sb.WriteString(role)
			}
		}

	case SepLlama2:
		for i, turn := range turns {
			if turn.Text == "" {
				continue
			}
			msg := turn.Text
			if i == 0 && t.System != "" {
				msg = "<<SYS>>\n" + t.System + "\n<</SYS>>\n\n" + msg
			}
			if i%2 == 0 {
				sb.WriteString(t.Sep + "[INST] " + msg + " [/INST]")
			} else {
				sb.WriteString(" " + msg + " " + t.Sep2)
			}
		}
		return strings.TrimPrefix(sb.String(), t.Sep)
	}

	return sb.String()
}

func (t *Template) role(r generator.Role) string {
	if r == generator.RoleAssistant {
		return t.Roles[1]
	}
	return t.Roles[0]
}

type Turn struct {
	Role generator.Role
	Text string
}

// Conversation is the history of one session. Turns are only ever appended.
type Conversation struct {
	Template *Template

	turns []Turn
}

func NewConversation(t *Template) *Conversation {
	return &Conversation{Template: t}
}

func (c *Conversation) Append(role generator.Role, text string) {
	c.turns = append(c.turns, Turn{Role: role, Text: text})
}

// SetLastText fills in the text of the most recent turn, used to complete
// the open assistant slot once the model has answered.
func (c *Conversation) SetLastText(text string) {
	if len(c.turns) == 0 {
		return
	}
	c.turns[len(c.turns)-1].Text = text
}

func (c *Conversation) Turns() []Turn { return slices.Clone(c.turns) }

func (c *Conversation) Len() int { return len(c.turns) }

// Prompt renders the whole history with the conversation template.
func (c *Conversation) Prompt() string { return c.Template.Render(c.turns) }

// Messages returns the history as chat messages, without the open assistant
// slot and with the image placeholder removed.
func (c *Conversation) Messages() []generator.Message {
	msgs := make([]generator.Message, 0, len(c.turns))
	for _, turn := range c.turns {
		if turn.Text == "" {
			continue
		}
		text, hasImage := generator.StripImagePlaceholder(turn.Text)
		msgs = append(msgs, generator.Message{Role: turn.Role, Content: text, HasImage: hasImage})
	}
	return msgs
}
