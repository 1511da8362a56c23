package imageloader

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"mriviewer/internal/models"
)

// Decoder turns an encoded frame into pixels. The default handles the
// formats registered with the image package: JPEG, PNG, TIFF and BMP.
type Decoder func(r io.Reader) (image.Image, error)

func defaultDecoder(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	return img, err
}

// FileLoader loads frames from the local filesystem ("file:" references).
type FileLoader struct {
	Decode Decoder
}

// Load implements Loader.
func (l *FileLoader) Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decode := l.Decode
	if decode == nil {
		decode = defaultDecoder
	}
	img, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ref.Path, err)
	}
	return &models.Frame{Reference: ref, Image: img}, nil
}

// HTTPLoader fetches frames over HTTP ("wadouri:" references). The path of
// the reference is the request URL.
type HTTPLoader struct {
	Client *http.Client

	// Accept is sent as the Accept header; rendered PNG by default
	Accept string

	Decode Decoder
}

// NewHTTPLoader returns an HTTPLoader with its own client bounded by timeout.
func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{
		Client: &http.Client{Timeout: timeout},
		Accept: "image/png",
	}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, ref models.ImageReference) (*models.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.Path, nil)
	if err != nil {
		return nil, err
	}
	if l.Accept != "" {
		req.Header.Set("Accept", l.Accept)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: unexpected status %s", ref.Path, resp.Status)
	}

	decode := l.Decode
	if decode == nil {
		decode = defaultDecoder
	}
	img, err := decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ref.Path, err)
	}
	return &models.Frame{Reference: ref, Image: img}, nil
}
