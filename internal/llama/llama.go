package llama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/looksee/generator"
)

// The image is bound to this id in image_data and referenced from the prompt
// with a single [img-10] tag.
const imageID = 10

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI
var defaultparams = jsonmap{
	"n_probs":           0,
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"tfs_z":             1,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"mirostat":          0,
	"mirostat_tau":      5,
	"mirostat_eta":      0.1,
	"grammar":           "",
	"slot_id":           -1,
	"cache_prompt":      true,
}

type llama struct {
	srvAddr string
	model   string

	client *http.Client
}

var _ generator.Generator = &llama{}

// Init returns a generator for a llama.cpp server at srvAddr. The server has a
// single model loaded, model is only used for reporting.
func Init(srvAddr, model string, httpClient *http.Client) *llama {
	return &llama{
		srvAddr: strings.TrimSuffix(srvAddr, "/"),
		model:   model,
		client:  httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

func (l *llama) Model() string { return l.model }

func (l *llama) IsHealthy() bool {
	resp, err := l.client.Get(l.srvAddr)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (l *llama) Generate(ctx context.Context, req *generator.Request) (string, error) {
	return l.sendRequest(ctx, req, nil)
}

func (l *llama) Stream(ctx context.Context, req *generator.Request, out chan<- string) error {
	_, err := l.sendRequest(ctx, req, out)
	return err
}

// imagePrompt replaces the image placeholder, wrapped or bare, with the
// server's image tag.
func imagePrompt(prompt string) string {
	tag := fmt.Sprintf("[img-%d]", imageID)
	prompt = strings.ReplaceAll(prompt, generator.ImageStartToken+generator.ImageToken+generator.ImageEndToken, tag)
	return strings.ReplaceAll(prompt, generator.ImageToken, tag)
}

func requestBody(req *generator.Request, stream bool) jsonmap {
	data := maps.Clone(defaultparams)
	data["prompt"] = imagePrompt(req.Prompt)
	data["stream"] = stream
	data["n_predict"] = req.Params.MaxNewTokens
	data["seed"] = req.Params.Seed
	data["stop"] = req.Stop
	data["temperature"] = req.Params.Temperature
	if req.Params.Greedy() {
		data["temperature"] = 0
		data["top_k"] = 1
	}
	data["image_data"] = []jsonmap{
		{
			"data": base64.StdEncoding.EncodeToString(req.Image.Data), "id": imageID,
		},
	}
	return data
}

// sendRequest posts to /completion. When out is non-nil the response is
// streamed and every content delta is also sent to out.
func (l *llama) sendRequest(ctx context.Context, req *generator.Request, out chan<- string) (string, error) {
	stream := out != nil
	data := requestBody(req, stream)

	buf := bytes.NewBuffer(make([]byte, 0, len(req.Image.Data)*2)) // The buffer will be resized by Encode
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(&data)
	if err != nil {
		return "", err
	}
	br := bytes.NewReader(buf.Bytes())

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", br)
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(hreq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama server returned %s", resp.Status)
	}

	content := new(bytes.Buffer)
	respbody := struct {
		Content string
		Stop    bool
	}{}

	lr := bufio.NewScanner(resp.Body)
	lr.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for !respbody.Stop {
		// Read in one line
		if !lr.Scan() {
			if err := lr.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("response ended before stop")
		}
		line := lr.Text()
		// The empty line appears after a JSON body
		if len(line) == 0 {
			continue
		}
		if stream {
			var found bool
			line, found = strings.CutPrefix(line, "data: ")
			if !found {
				return "", fmt.Errorf("missing `data: ` prefix")
			}
		}

		respbody.Content = ""
		if err := json.Unmarshal([]byte(line), &respbody); err != nil {
			return "", err
		}
		content.WriteString(respbody.Content)
		if stream && respbody.Content != "" {
			select {
			case out <- respbody.Content:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return strings.TrimLeft(content.String(), " "), nil
}
