package looksee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/chriskillpack/looksee/generator"
)

// LineReader reads console input one line at a time. It returns io.EOF when
// the input is exhausted or the user interrupts.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// TurnRecord is the debug record of one completed turn. Prompt is the line the
// user typed, Rendered is the full templated prompt sent to the model.
type TurnRecord struct {
	Prompt  string `json:"prompt"`
	Outputs string `json:"outputs"`

	Rendered     string  `json:"-"`
	Temperature  float64 `json:"-"`
	MaxNewTokens int     `json:"-"`
}

// Recorder persists debug records, e.g. the transcript DB.
type Recorder interface {
	RecordTurn(ctx context.Context, sessionID string, rec TurnRecord) error
}

// Chat drives the interactive question and answer loop over one image.
type Chat struct {
	Session *Session
	Conv    *Conversation
	Image   *Image
	Params  generator.Params

	In  LineReader
	Out io.Writer

	Debug  bool // print the prompt and output of every turn
	Stream bool // print text as it is generated

	Recorder  Recorder // optional, only used in debug mode
	SessionID string

	Logger *log.Logger // if nil uses log.Default()

	imageSent bool
}

// Run reads questions until the input is empty or exhausted. An empty line
// ends the session successfully.
func (c *Chat) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}
	userRole, assistantRole := c.Conv.Template.DisplayRoles(c.Session.ModelName)
	c.In.SetPrompt(userRole + ": ")

	for {
		inp, err := c.In.Readline()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read input - %w", err)
		}
		if inp == "" {
			fmt.Fprintln(c.Out, "exit...")
			return nil
		}

		rendered, out, err := c.turn(ctx, inp, assistantRole)
		if err != nil {
			return err
		}

		if c.Debug {
			rec := TurnRecord{
				Prompt:       inp,
				Outputs:      out,
				Rendered:     rendered,
				Temperature:  c.Params.Temperature,
				MaxNewTokens: c.Params.MaxNewTokens,
			}
			buf := &bytes.Buffer{}
			enc := json.NewEncoder(buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(rec); err != nil {
				return err
			}
			fmt.Fprintf(c.Out, "\n%s\n", buf.Bytes())

			if c.Recorder != nil {
				if err := c.Recorder.RecordTurn(ctx, c.SessionID, rec); err != nil {
					logger.Printf("Error recording turn - %v", err)
				}
			}
		}
	}
}

// turn asks one question and returns the prompt sent along with the answer.
func (c *Chat) turn(ctx context.Context, inp, assistantRole string) (string, string, error) {
	// Only the first question carries the placeholder. Later turns still
	// send it to the model as part of the rendered history.
	if !c.imageSent {
		inp = c.Session.ImagePlaceholder() + "\n" + inp
		c.imageSent = true
	}
	c.Conv.Append(generator.RoleUser, inp)
	c.Conv.Append(generator.RoleAssistant, "")
	prompt := c.Conv.Prompt()

	fmt.Fprintf(c.Out, "%s: ", assistantRole)

	var (
		out string
		err error
	)
	if c.Stream {
		out, err = c.Session.GenerateStream(ctx, c.Image, c.Conv, c.Params, c.Out)
		fmt.Fprintln(c.Out)
	} else {
		out, err = c.Session.Generate(ctx, c.Image, c.Conv, c.Params)
		if err == nil {
			fmt.Fprintln(c.Out, out)
		}
	}
	if err != nil {
		return "", "", err
	}

	c.Conv.SetLastText(out)
	return prompt, out, nil
}
