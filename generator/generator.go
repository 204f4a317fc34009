package generator

import (
	"context"
	"strings"
)

// Tokens that mark where the image goes in a prompt. Backends never send these
// to the model as text.
const (
	ImageToken      = "<image>"
	ImageStartToken = "<im_start>"
	ImageEndToken   = "<im_end>"
)

// Generator produces text from a prompt and a single image using a specific
// model server.
type Generator interface {
	// Name returns the name of the backend, e.g. "llama" or "ollama"
	Name() string

	// Model returns the model the backend will be asked to run.
	Model() string

	// Generate returns the full continuation for req. The provided ctx is used
	// as a parent context for the request to the model server.
	Generate(ctx context.Context, req *Request) (string, error)

	// Stream is like Generate but sends text deltas to out as they arrive.
	// Stream does not close out.
	Stream(ctx context.Context, req *Request, out chan<- string) error

	// IsHealthy returns whether the model server is healthy.
	IsHealthy() bool
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn for chat style backends. HasImage is set on
// the turn whose text carried the image placeholder.
type Message struct {
	Role     Role
	Content  string
	HasImage bool
}

type Image struct {
	Data   []byte // JPEG
	Width  int
	Height int
}

// Params controls decoding. Sampling is enabled iff Temperature > 0, otherwise
// decoding is greedy.
type Params struct {
	Temperature  float64
	MaxNewTokens int
	Seed         int
}

func (p Params) Greedy() bool { return p.Temperature <= 0 }

// Request is built once per turn and discarded afterwards.
type Request struct {
	// Prompt is the fully templated prompt, including the image placeholder
	// and an open assistant turn. Used by raw completion backends.
	Prompt string

	// System and Messages carry the same conversation for chat backends.
	System   string
	Messages []Message

	Image  Image
	Stop   []string
	Params Params
}

// StripImagePlaceholder removes the image placeholder (wrapped or bare) and the
// newline that follows it from s. It reports whether a placeholder was found.
func StripImagePlaceholder(s string) (string, bool) {
	found := false
	for _, tok := range []string{ImageStartToken + ImageToken + ImageEndToken, ImageToken} {
		if strings.Contains(s, tok) {
			found = true
			s = strings.ReplaceAll(s, tok+"\n", "")
			s = strings.ReplaceAll(s, tok, "")
		}
	}
	return strings.TrimSpace(s), found
}
