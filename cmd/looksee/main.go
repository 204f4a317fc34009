package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"

	"github.com/chriskillpack/looksee"
	"github.com/chriskillpack/looksee/generator"
)

var (
	modelPath        = flag.String("model-path", "liuhaotian/llava-v1.5-7b", "Model path or name, its final component selects the conversation template")
	modelBase        = flag.String("model-base", "", "Base model for LoRA style checkpoints")
	imageFile        = flag.String("image-file", "", "Path or http(s) URL of the image to discuss")
	device           = flag.String("device", "cuda", "Device to run the model on, cpu or cuda")
	convMode         = flag.String("conv-mode", "", "Conversation template, inferred from the model name if empty")
	temperature      = flag.Float64("temperature", 0.2, "Sampling temperature, 0 for greedy decoding")
	maxNewTokens     = flag.Int("max-new-tokens", 512, "Maximum number of tokens to generate per answer")
	load8Bit         = flag.Bool("load-8bit", false, "Use an 8 bit quantized model")
	load4Bit         = flag.Bool("load-4bit", false, "Use a 4 bit quantized model")
	debug            = flag.Bool("debug", false, "Print the prompt and output of every turn")
	llamaServer      = flag.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	llamaSeed        = flag.Int("seed", 385480504, "Random seed to the model")
	ollamaServer     = flag.String("ollama", "", "Address of running ollama server, typically http://localhost:11434")
	openAI           = flag.Bool("openai", false, "Use OpenAI")
	openAIBase       = flag.String("openai-base", "", "Base URL of an OpenAI compatible API, defaults to OPENAI_BASE_URL")
	useImageStartEnd = flag.Bool("mm-use-im-start-end", false, "Wrap the image placeholder in start and end tokens")
	stream           = flag.Bool("stream", false, "Print answers as they are generated")
	transcriptPath   = flag.String("transcript", "", "Path to a database recording debug turns")
)

// console adapts readline to looksee.LineReader. Ctrl-C at the prompt ends
// the session like Ctrl-D does.
type console struct {
	*readline.Instance
}

func (c console) Readline() (string, error) {
	line, err := c.Instance.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	return line, err
}

func run(ctx context.Context, session *looksee.Session, logger *log.Logger) error {
	// Everything from here on requires the model server
	if !session.IsHealthy() {
		return fmt.Errorf("server is not responding")
	}

	tmpl, err := looksee.SelectTemplate(session.ModelName, *convMode, logger)
	if err != nil {
		return err
	}

	loader := &looksee.Loader{
		Client:   &http.Client{Timeout: 30 * time.Second},
		Progress: os.Stderr,
	}
	img, err := loader.Load(ctx, *imageFile)
	if err != nil {
		return err
	}
	logger.Printf("Loaded %s image %dx%d (%s), using %s model %s with template %s",
		img.Format, img.Width, img.Height, humanize.Bytes(uint64(len(img.Data))),
		session.Backend(), session.Model(), tmpl.Name)

	userRole, _ := tmpl.DisplayRoles(session.ModelName)
	rl, err := readline.New(userRole + ": ")
	if err != nil {
		return err
	}
	defer rl.Close()

	chat := &looksee.Chat{
		Session: session,
		Conv:    looksee.NewConversation(tmpl),
		Image:   img,
		Params: generator.Params{
			Temperature:  *temperature,
			MaxNewTokens: *maxNewTokens,
			Seed:         *llamaSeed,
		},
		In:     console{rl},
		Out:    os.Stdout,
		Debug:  *debug,
		Stream: *stream,
		Logger: logger,
	}

	if *transcriptPath != "" {
		db, err := looksee.NewDB(ctx, *transcriptPath)
		if err != nil {
			return err
		}
		defer db.Close()

		chat.SessionID, err = db.CreateSession(ctx, looksee.SessionInfo{
			ModelName:   session.ModelName,
			ModelBase:   session.ModelBase,
			Backend:     session.Backend(),
			ConvMode:    tmpl.Name,
			ImageSource: img.Source,
			ImageWidth:  img.Width,
			ImageHeight: img.Height,
		})
		if err != nil {
			return err
		}
		chat.Recorder = db
		logger.Printf("Recording transcript %s to %s", chat.SessionID, *transcriptPath)
	}

	return chat.Run(ctx)
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	<-ch
	fmt.Println("SIGINT received, stopping...")
	cancel()
}

func main() {
	flag.Parse()

	if *imageFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	logger := log.Default()
	hio := looksee.InitOptions{
		ModelPath:        *modelPath,
		ModelBase:        *modelBase,
		Device:           *device,
		Load8Bit:         *load8Bit,
		Load4Bit:         *load4Bit,
		UseImageStartEnd: *useImageStartEnd,
		LlamaServer:      *llamaServer,
		OllamaServer:     *ollamaServer,
		OpenAI:           *openAI,
		OpenAIBaseURL:    *openAIBase,
		HttpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		Logger: logger,
	}
	session, err := looksee.Init(hio)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sighandler(sigch, cancel)

	if err := run(ctx, session, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		session.Close()
		log.Fatal(err)
	}
}
