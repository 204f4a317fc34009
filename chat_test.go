package looksee

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/chriskillpack/looksee/generator"
)

// lines is a LineReader over a fixed script. It returns io.EOF once the script
// is exhausted.
type lines struct {
	script []string
	prompt string
}

func (l *lines) SetPrompt(prompt string) { l.prompt = prompt }

func (l *lines) Readline() (string, error) {
	if len(l.script) == 0 {
		return "", io.EOF
	}
	line := l.script[0]
	l.script = l.script[1:]
	return line, nil
}

type memRecorder struct {
	sessionID string
	recs      []TurnRecord
}

func (m *memRecorder) RecordTurn(ctx context.Context, sessionID string, rec TurnRecord) error {
	m.sessionID = sessionID
	m.recs = append(m.recs, rec)
	return nil
}

func newChat(t *testing.T, gen generator.Generator, template string, script ...string) (*Chat, *bytes.Buffer) {
	t.Helper()

	out := &bytes.Buffer{}
	return &Chat{
		Session: newSession(gen, "llava-v1.5-7b"),
		Conv:    newConv(t, template),
		Image:   testImage(),
		Params:  generator.Params{Temperature: 0.2, MaxNewTokens: 512},
		In:      &lines{script: script},
		Out:     out,
	}, out
}

func TestChatExit(t *testing.T) {
	for name, script := range map[string][]string{
		"empty line": {""},
		"eof":        nil,
	} {
		t.Run(name, func(t *testing.T) {
			gen := &fakeGenerator{}
			chat, out := newChat(t, gen, "llava_v1", script...)

			if err := chat.Run(t.Context()); err != nil {
				t.Fatal(err)
			}
			if expected, actual := "exit...\n", out.String(); expected != actual {
				t.Errorf("Expected %q, got %q", expected, actual)
			}
			if len(gen.requests) != 0 {
				t.Errorf("Expected no model calls, got %d", len(gen.requests))
			}
			if chat.Conv.Len() != 0 {
				t.Errorf("Expected empty conversation, got %d turns", chat.Conv.Len())
			}
		})
	}
}

func TestChatPrompts(t *testing.T) {
	chat, out := newChat(t, &fakeGenerator{}, "llava_v1", "What is this?", "")

	if err := chat.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	if expected, actual := "USER: ", chat.In.(*lines).prompt; expected != actual {
		t.Errorf("Expected prompt %q, got %q", expected, actual)
	}
	if expected, actual := "ASSISTANT: reply to What is this?\nexit...\n", out.String(); expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
}

func TestChatMultiTurn(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"A cat.", "Black."}}
	chat, _ := newChat(t, gen, "llava_v1", "What is this?", "What color is it?", "")

	if err := chat.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	if len(gen.requests) != 2 {
		t.Fatalf("Expected 2 model calls, got %d", len(gen.requests))
	}

	expected := defaultSystem + " USER: <image>\nWhat is this? ASSISTANT: A cat.</s>USER: What color is it? ASSISTANT:"
	if actual := gen.requests[1].Prompt; expected != actual {
		t.Errorf("Expected prompt %q, got %q", expected, actual)
	}

	// Only the first question carries the image.
	turns := chat.Conv.Turns()
	if len(turns) != 4 {
		t.Fatalf("Expected 4 turns, got %d", len(turns))
	}
	if !strings.HasPrefix(turns[0].Text, "<image>\n") {
		t.Errorf("Expected placeholder on first turn, got %q", turns[0].Text)
	}
	if strings.Contains(turns[2].Text, "<image>") {
		t.Errorf("Unexpected placeholder on later turn %q", turns[2].Text)
	}
	if expected, actual := "Black.", turns[3].Text; expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
}

func TestChatImageStartEnd(t *testing.T) {
	gen := &fakeGenerator{}
	chat, _ := newChat(t, gen, "llava_v1", "What is this?", "")
	chat.Session.useImageStartEnd = true

	if err := chat.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	if expected, actual := "<im_start><image><im_end>\nWhat is this?", chat.Conv.Turns()[0].Text; expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
}

func TestChatDebug(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"A cat.", "<b>Black</b>."}}
	chat, out := newChat(t, gen, "llava_v0", "What is this?", "What color is it?", "")
	chat.Debug = true
	rec := &memRecorder{}
	chat.Recorder = rec
	chat.SessionID = "session-1"

	if err := chat.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	// The record holds the typed line, unescaped, not the templated prompt.
	expected := "Assistant: A cat.\n" +
		"\n{\"prompt\":\"What is this?\",\"outputs\":\"A cat.\"}\n\n" +
		"Assistant: <b>Black</b>.\n" +
		"\n{\"prompt\":\"What color is it?\",\"outputs\":\"<b>Black</b>.\"}\n\n" +
		"exit...\n"
	if actual := out.String(); expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}

	if len(rec.recs) != 2 || rec.sessionID != "session-1" {
		t.Fatalf("Unexpected records %+v", rec)
	}
	first := rec.recs[0]
	if first.Prompt != "What is this?" || first.Outputs != "A cat." {
		t.Errorf("Unexpected record %+v", first)
	}
	if expected := defaultSystem + "###Human: <image>\nWhat is this?###Assistant:"; first.Rendered != expected {
		t.Errorf("Expected rendered prompt %q, got %q", expected, first.Rendered)
	}
	if first.Temperature != 0.2 || first.MaxNewTokens != 512 {
		t.Errorf("Unexpected params in record %+v", first)
	}
}

func TestChatDeterministic(t *testing.T) {
	run := func() string {
		chat, out := newChat(t, &fakeGenerator{}, "llava_v1", "What is this?", "")
		chat.Params = generator.Params{Temperature: 0, MaxNewTokens: 1}
		if err := chat.Run(t.Context()); err != nil {
			t.Fatal(err)
		}
		return out.String()
	}

	first, second := run(), run()
	if first != second {
		t.Errorf("Expected identical output, got %q and %q", first, second)
	}
	if expected := "ASSISTANT: A\nexit...\n"; first != expected {
		t.Errorf("Expected %q, got %q", expected, first)
	}
}

func TestChatStream(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"a black cat"}}
	chat, out := newChat(t, gen, "llava_v1", "What is this?", "")
	chat.Stream = true

	if err := chat.Run(t.Context()); err != nil {
		t.Fatal(err)
	}
	if expected, actual := "ASSISTANT: a black cat\nexit...\n", out.String(); expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
	if expected, actual := "a black cat", chat.Conv.Turns()[1].Text; expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
}

func TestChatGenerateError(t *testing.T) {
	backendErr := errors.New("model server unavailable")
	chat, _ := newChat(t, &fakeGenerator{err: backendErr}, "llava_v1", "What is this?")

	if err := chat.Run(t.Context()); !errors.Is(err, backendErr) {
		t.Errorf("Expected %v, got %v", backendErr, err)
	}
}
