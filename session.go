package looksee

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/looksee/generator"
)

// Tokens that are never part of a visible answer.
var specialTokens = []string{"<s>", "</s>", "<|im_start|>", "<|im_end|>", "<|endoftext|>"}

// Session owns the model backend for the lifetime of the program.
type Session struct {
	ModelName string
	ModelBase string
	Device    string

	gen              generator.Generator
	useImageStartEnd bool
	client           *http.Client
}

// Backend returns the name of the backend, e.g. "ollama".
func (s *Session) Backend() string { return s.gen.Name() }

// Model returns the model the backend runs.
func (s *Session) Model() string { return s.gen.Model() }

func (s *Session) IsHealthy() bool { return s.gen.IsHealthy() }

// Close releases the connections held by the session.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// ImagePlaceholder returns the text that marks the image position in a
// prompt, wrapped in start/end tokens for model families that use them.
func (s *Session) ImagePlaceholder() string {
	if s.useImageStartEnd {
		return generator.ImageStartToken + generator.ImageToken + generator.ImageEndToken
	}
	return generator.ImageToken
}

func (s *Session) request(img *Image, conv *Conversation, params generator.Params) *generator.Request {
	return &generator.Request{
		Prompt:   conv.Prompt(),
		System:   conv.Template.System,
		Messages: conv.Messages(),
		Image:    img.generatorImage(),
		Stop:     conv.Template.Stop(),
		Params:   params,
	}
}

// Generate asks the model to complete the conversation, whose last turn must
// be the open assistant slot. The returned text has special tokens removed.
func (s *Session) Generate(ctx context.Context, img *Image, conv *Conversation, params generator.Params) (string, error) {
	req := s.request(img, conv, params)
	out, err := s.gen.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s generate - %w", s.gen.Name(), err)
	}
	return cleanOutput(out, req.Stop), nil
}

// GenerateStream is like Generate but writes text to w as the model produces
// it. The backend and the writer run concurrently, joined by a channel.
func (s *Session) GenerateStream(ctx context.Context, img *Image, conv *Conversation, params generator.Params, w io.Writer) (string, error) {
	req := s.request(img, conv, params)
	deltas := make(chan string)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(deltas)
		return s.gen.Stream(gctx, req, deltas)
	})

	var sb strings.Builder
	g.Go(func() error {
		for delta := range deltas {
			// Leading whitespace is dropped, as in Generate.
			if sb.Len() == 0 {
				delta = strings.TrimLeft(delta, " \t\n")
			}
			if delta == "" {
				continue
			}
			sb.WriteString(delta)
			if _, err := io.WriteString(w, delta); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("%s stream - %w", s.gen.Name(), err)
	}
	return cleanOutput(sb.String(), req.Stop), nil
}

func cleanOutput(out string, stop []string) string {
	for _, s := range stop {
		if i := strings.Index(out, s); i >= 0 {
			out = out[:i]
		}
	}
	for _, tok := range specialTokens {
		out = strings.ReplaceAll(out, tok, "")
	}
	return strings.TrimSpace(out)
}
