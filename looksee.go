package looksee

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/chriskillpack/looksee/internal/llama"
	"github.com/chriskillpack/looksee/internal/ollama"
	"github.com/chriskillpack/looksee/internal/openai"
)

var ErrQuantization = errors.New("-load-8bit and -load-4bit are mutually exclusive")

type InitOptions struct {
	ModelPath string
	ModelBase string // optional
	Device    string
	Load8Bit  bool
	Load4Bit  bool

	// UseImageStartEnd wraps the image placeholder in start/end tokens. It
	// is a property of the model family, not a per-turn choice.
	UseImageStartEnd bool

	LlamaServer string

	OllamaServer string

	OpenAI        bool
	OpenAIBaseURL string // if empty uses OPENAI_BASE_URL or the public API

	HttpClient *http.Client // if nil uses http.DefaultClient
	Logger     *log.Logger  // if nil uses log.Default()
}

func (o InitOptions) quantization() (string, error) {
	switch {
	case o.Load8Bit && o.Load4Bit:
		return "", ErrQuantization
	case o.Load8Bit:
		return "q8_0", nil
	case o.Load4Bit:
		return "q4_0", nil
	}
	return "", nil
}

// Init selects and configures the model backend. Exactly one of the backend
// options must be set.
func Init(hio InitOptions) (*Session, error) {
	httpClient := hio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := hio.Logger
	if logger == nil {
		logger = log.Default()
	}

	var n int
	if hio.OpenAI {
		n++
	}
	if hio.LlamaServer != "" {
		n++
	}
	if hio.OllamaServer != "" {
		n++
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("no backend selected")
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("multiple backends selected, only one allowed")
	}

	quant, err := hio.quantization()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ModelName:        ModelNameFromPath(hio.ModelPath),
		ModelBase:        hio.ModelBase,
		Device:           hio.Device,
		useImageStartEnd: hio.UseImageStartEnd,
		client:           httpClient,
	}

	cpu := strings.EqualFold(hio.Device, "cpu")
	if hio.OpenAI {
		if quant != "" {
			return nil, errors.New("quantization is not supported by the openai backend")
		}
		s.gen = openai.Init(hio.ModelPath, hio.OpenAIBaseURL, "", httpClient)
	} else if hio.LlamaServer != "" {
		if quant != "" {
			logger.Printf("[WARNING] quantization %s ignored, the llama server loads its own weights", quant)
		}
		s.gen = llama.Init(hio.LlamaServer, s.ModelName, httpClient)
	} else if hio.OllamaServer != "" {
		model, err := ollama.ModelTag(hio.ModelPath, quant)
		if err != nil {
			return nil, err
		}
		s.gen = ollama.Init(model, hio.OllamaServer, cpu, httpClient)
	}

	if hio.ModelBase != "" {
		logger.Printf("base model %s is resolved by the %s server", hio.ModelBase, s.gen.Name())
	}

	return s, nil
}
