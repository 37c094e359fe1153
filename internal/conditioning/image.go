package conditioning

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/image/draw"

	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/media"
)

// JPEGQuality is the encoder quality for conditioned images.
const JPEGQuality = 90

// maxImageFetch caps how much of a source image is read into memory.
const maxImageFetch = 64 << 20

var imageHTTP = &http.Client{Timeout: 60 * time.Second}

func httpFetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := imageHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch source: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// conditionImage decodes a JPEG or PNG, downscales it to the profile's
// maximum width, and re-encodes it as JPEG.
func (c *Conditioner) conditionImage(ctx context.Context, asset *media.Asset, sourceURL string, profile classify.Profile) (*Conditioned, error) {
	body, err := c.fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	src, format, err := image.Decode(io.LimitReader(body, maxImageFetch))
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	dst := FitWidth(src, profile.MaxWidth)

	outPath, cleanup, err := c.tempFile(".jpg")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	if err := jpeg.Encode(f, dst, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		f.Close()
		return nil, fmt.Errorf("encode jpeg from %s: %w", format, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close output: %w", err)
	}

	b := dst.Bounds()
	props := &media.Properties{Width: b.Dx(), Height: b.Dy(), Codec: "mjpeg", Source: "conditioned"}
	return c.stage(ctx, asset, outPath, ".jpg", "image/jpeg", props)
}

// FitWidth returns src scaled down so its width is at most maxWidth. The
// result is always an RGBA copy, which also flattens PNG transparency onto
// white before JPEG encoding.
func FitWidth(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
