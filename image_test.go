package looksee

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTransport fails every request and counts how many were made.
type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls++
	return nil, errors.New("network disabled")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			// Half transparent red, the alpha is dropped when decoded
			img.Set(x, y, color.NRGBA{R: 255, A: 128})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestLoadLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 6, 4), 0o644))

	rt := &countingTransport{}
	l := &Loader{Client: &http.Client{Transport: rt}}

	img, err := l.Load(t.Context(), path)
	require.NoError(t, err)
	assert.Equal(t, 0, rt.calls, "local paths must not touch the network")
	assert.Equal(t, path, img.Source)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, 6, img.Width)
	assert.Equal(t, 4, img.Height)

	// Data is a three channel JPEG of the same size
	decoded, format, err := image.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 6, 4), decoded.Bounds())

	r, g, b, _ := decoded.At(1, 1).RGBA()
	assert.InDelta(t, 255, r>>8, 12)
	assert.InDelta(t, 0, g>>8, 12)
	assert.InDelta(t, 0, b>>8, 12)
}

func TestDecodeDropsAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			src.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, src))

	img, err := decodeImage(buf.Bytes())
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(3, 3).RGBA()
	assert.InDelta(t, 255, r>>8, 4)
	assert.InDelta(t, 255, g>>8, 4)
	assert.InDelta(t, 255, b>>8, 4)
}

func TestLoadLocalMissing(t *testing.T) {
	rt := &countingTransport{}
	l := &Loader{Client: &http.Client{Transport: rt}}

	_, err := l.Load(t.Context(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, ErrImageSource)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, rt.calls)
}

func TestLoadRemote(t *testing.T) {
	data := pngBytes(t, 3, 5)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path != "/cat.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)

	progress := &bytes.Buffer{}
	l := &Loader{Client: srv.Client(), Progress: progress}

	t.Run("ok", func(t *testing.T) {
		img, err := l.Load(t.Context(), srv.URL+"/cat.png")
		require.NoError(t, err)
		assert.EqualValues(t, 1, requests.Load())
		assert.Equal(t, 3, img.Width)
		assert.Equal(t, 5, img.Height)
		assert.Equal(t, srv.URL+"/cat.png", img.Source)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := l.Load(t.Context(), srv.URL+"/dog.png")
		assert.ErrorIs(t, err, ErrImageSource)
		assert.ErrorContains(t, err, "404")
	})
}

func TestLoadUndecodable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := (&Loader{}).Load(t.Context(), path)
	assert.ErrorIs(t, err, ErrImageSource)
	assert.ErrorIs(t, err, image.ErrFormat)
}

func TestDecodeJPEG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 2))
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, src, nil))

	img, err := decodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 2, img.Height)
}
