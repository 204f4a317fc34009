// Package ollama talks to an Ollama server through its /api/chat endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chriskillpack/looksee/generator"
)

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Temperature is always sent, the server default is not greedy.
type options struct {
	Temperature float64  `json:"temperature"`
	TopK        int      `json:"top_k,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Seed        int      `json:"seed"`
	Stop        []string `json:"stop,omitempty"`
	NumGPU      *int     `json:"num_gpu,omitempty"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options"`
}

type chatResponse struct {
	Message message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

var ErrModelTag = errors.New("quantized model needs an explicit tag, e.g. llava:7b")

// ModelTag returns the tag of model for the requested quantization, e.g.
// "llava:7b" with "q4_0" becomes "llava:7b-q4_0". Tags that already name a
// quantization are returned unchanged.
func ModelTag(model, quant string) (string, error) {
	if quant == "" {
		return model, nil
	}
	name, tag, ok := strings.Cut(model, ":")
	if !ok || tag == "" || tag == "latest" {
		return "", fmt.Errorf("%s - %w", model, ErrModelTag)
	}
	for _, q := range []string{"q2_", "q3_", "q4_", "q5_", "q6_", "q8_", "fp16"} {
		if strings.Contains(tag, q) {
			return model, nil
		}
	}
	return name + ":" + tag + "-" + quant, nil
}

type ollama struct {
	srvAddr string
	model   string
	cpu     bool

	client *http.Client
}

var _ generator.Generator = &ollama{}

// Init returns a generator for model on the Ollama server at srvAddr. If cpu
// is set no layers are offloaded to the GPU.
func Init(model, srvAddr string, cpu bool, httpClient *http.Client) *ollama {
	return &ollama{
		srvAddr: strings.TrimSuffix(srvAddr, "/"),
		model:   model,
		cpu:     cpu,
		client:  httpClient,
	}
}

func (o *ollama) Name() string { return "ollama" }

func (o *ollama) Model() string { return o.model }

func (o *ollama) IsHealthy() bool {
	resp, err := o.client.Get(o.srvAddr)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (o *ollama) Generate(ctx context.Context, req *generator.Request) (string, error) {
	return o.chat(ctx, req, nil)
}

func (o *ollama) Stream(ctx context.Context, req *generator.Request, out chan<- string) error {
	_, err := o.chat(ctx, req, out)
	return err
}

func (o *ollama) buildRequest(req *generator.Request, stream bool) *chatRequest {
	cr := &chatRequest{
		Model:  o.model,
		Stream: stream,
		Options: options{
			Temperature: req.Params.Temperature,
			NumPredict:  req.Params.MaxNewTokens,
			Seed:        req.Params.Seed,
			Stop:        req.Stop,
		},
	}
	if req.Params.Greedy() {
		cr.Options.Temperature = 0
		cr.Options.TopK = 1
	}
	if o.cpu {
		zero := 0
		cr.Options.NumGPU = &zero
	}

	if req.System != "" {
		cr.Messages = append(cr.Messages, message{Role: "system", Content: req.System})
	}
	img := base64.StdEncoding.EncodeToString(req.Image.Data)
	for _, m := range req.Messages {
		msg := message{Role: string(m.Role), Content: m.Content}
		if m.HasImage {
			msg.Images = []string{img}
		}
		cr.Messages = append(cr.Messages, msg)
	}
	return cr
}

// chat posts to /api/chat. When out is non-nil the response is streamed as
// newline delimited JSON and each delta is also sent to out.
func (o *ollama) chat(ctx context.Context, req *generator.Request, out chan<- string) (string, error) {
	body, err := json.Marshal(o.buildRequest(req, out != nil))
	if err != nil {
		return "", err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(hreq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var cr chatResponse
		if json.NewDecoder(resp.Body).Decode(&cr) == nil && cr.Error != "" {
			return "", fmt.Errorf("ollama server returned %s - %s", resp.Status, cr.Error)
		}
		return "", fmt.Errorf("ollama server returned %s", resp.Status)
	}

	var content strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var cr chatResponse
		if err := json.Unmarshal(line, &cr); err != nil {
			return "", err
		}
		if cr.Error != "" {
			return "", fmt.Errorf("ollama - %s", cr.Error)
		}
		content.WriteString(cr.Message.Content)
		if out != nil && cr.Message.Content != "" {
			select {
			case out <- cr.Message.Content:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if cr.Done {
			return content.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}

	return "", fmt.Errorf("response ended before done")
}
