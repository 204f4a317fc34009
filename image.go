package looksee

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/chriskillpack/looksee/generator"
)

// ErrImageSource is wrapped by every error returned from Loader.Load.
var ErrImageSource = errors.New("image source")

const jpegQuality = 95

// Image is a decoded image normalised to three color channels.
type Image struct {
	Source string
	Format string // format of the source bytes, e.g. "png"

	Data   []byte // JPEG re-encoding sent to the model
	Width  int    // original pixel dimensions
	Height int
}

func (img *Image) generatorImage() generator.Image {
	return generator.Image{Data: img.Data, Width: img.Width, Height: img.Height}
}

// Loader reads images from disk or over HTTP.
type Loader struct {
	Client   *http.Client // if nil uses http.DefaultClient
	Progress io.Writer    // if non-nil, download progress is written here
}

func isRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Load reads and decodes the image at src. Strings starting with http:// or
// https:// are fetched with a single GET, anything else is treated as a file
// path.
func (l *Loader) Load(ctx context.Context, src string) (*Image, error) {
	var (
		data []byte
		err  error
	)
	if isRemote(src) {
		data, err = l.fetch(ctx, src)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s - %w", ErrImageSource, src, err)
	}

	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w %s - %w", ErrImageSource, src, err)
	}
	img.Source = src
	return img, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	buf := &bytes.Buffer{}
	var w io.Writer = buf
	if l.Progress != nil {
		bar := progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetWriter(l.Progress),
			progressbar.OptionSetDescription("Downloading image"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(buf, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeImage decodes any registered format, drops the alpha channel and
// re-encodes the pixels as JPEG. Pixels keep their stored color however
// transparent they were.
func decodeImage(data []byte) (*Image, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	rgb := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			rgb.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}

	return &Image{
		Format: format,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
