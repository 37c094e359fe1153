// Package conditioning re-encodes assets that a platform would reject into a
// compliant copy, stages that copy at a transient location, and releases it
// once every platform leg has finished with it.
//
// Conditioning is a scoped resource: Condition acquires it and Release must
// run on every exit path. Assets that are already compliant pass through
// untouched, and their Release is a no-op.
package conditioning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/media"
	"github.com/fpang/media-relay/internal/metrics"
	"github.com/fpang/media-relay/internal/storage"
)

// transientNamespace seeds the per-asset transient key. The same source path
// always maps to the same key, so a retried run overwrites rather than
// accumulates copies.
var transientNamespace = uuid.MustParse("6f1c2a52-6d0e-4f39-9a57-3c1c0e0b7d4e")

// Conditioned is the media a platform will actually fetch.
type Conditioned struct {
	FetchURL       string
	ByteSize       int64
	WasTransformed bool
	Properties     *media.Properties

	key        string
	transient  storage.Transient
	once       sync.Once
	releaseErr error
}

// Release removes the transient copy. It is safe to call more than once and
// on pass-through results.
func (c *Conditioned) Release(ctx context.Context) error {
	if c == nil || !c.WasTransformed {
		return nil
	}
	c.once.Do(func() {
		c.releaseErr = c.transient.Remove(ctx, c.key)
		if c.releaseErr != nil {
			log.Warn().Err(c.releaseErr).Str("key", c.key).Msg("Failed to release transient copy")
			return
		}
		log.Info().Str("key", c.key).Msg("Transient copy released")
	})
	return c.releaseErr
}

// RunFunc executes an external command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures a Conditioner.
type Options struct {
	FFmpeg  string
	TempDir string
	Account string
	// Metrics receives EMF lines; nil disables metrics.
	Metrics io.Writer
}

// Conditioner produces compliant copies of assets.
type Conditioner struct {
	transient storage.Transient
	prober    *media.Prober
	opts      Options
	run       RunFunc
	fetch     func(ctx context.Context, url string) (io.ReadCloser, error)
}

// New creates a Conditioner that stages output in transient.
func New(transient storage.Transient, prober *media.Prober, opts Options) *Conditioner {
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	return &Conditioner{
		transient: transient,
		prober:    prober,
		opts:      opts,
		run:       execCombined,
		fetch:     httpFetch,
	}
}

// TransientKey returns the stable transient key for a source path.
func TransientKey(sourcePath, ext string) string {
	base := path.Base(sourcePath)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return uuid.NewSHA1(transientNamespace, []byte(sourcePath)).String() + "/" + stem + ext
}

// Condition returns a compliant rendition of asset for profile. When res says
// no conditioning is needed the source URL is returned unchanged.
// Any failure is an apperr.ErrConditioning and leaves nothing behind.
func (c *Conditioner) Condition(ctx context.Context, asset *media.Asset, sourceURL string, res classify.Result, profile classify.Profile) (*Conditioned, error) {
	if !res.NeedsConditioning {
		return &Conditioned{
			FetchURL:   sourceURL,
			ByteSize:   asset.Size,
			Properties: res.Properties,
		}, nil
	}

	log.Info().
		Str("asset", asset.Name).
		Str("profile", profile.Name).
		Str("reason", res.Reason()).
		Msg("Conditioning asset")

	start := time.Now()
	var (
		out *Conditioned
		err error
	)
	switch asset.Kind {
	case media.KindVideo:
		out, err = c.conditionVideo(ctx, asset, sourceURL, res.Properties, profile)
	case media.KindImage:
		out, err = c.conditionImage(ctx, asset, sourceURL, profile)
	default:
		err = fmt.Errorf("unsupported kind %q", asset.Kind)
	}
	elapsed := time.Since(start)

	if c.opts.Metrics != nil {
		var size int64
		if out != nil {
			size = out.ByteSize
		}
		metrics.RecordConditioning(c.opts.Metrics, c.opts.Account, string(asset.Kind), elapsed, size, err)
	}
	if err != nil {
		log.Error().Err(err).Str("asset", asset.Name).Dur("elapsed", elapsed).Msg("Conditioning failed")
		return nil, apperr.Conditioning(asset.Name, err)
	}

	log.Info().
		Str("asset", asset.Name).
		Int64("inputBytes", asset.Size).
		Int64("outputBytes", out.ByteSize).
		Str("props", out.Properties.String()).
		Dur("elapsed", elapsed).
		Msg("Conditioning complete")
	return out, nil
}

func (c *Conditioner) conditionVideo(ctx context.Context, asset *media.Asset, sourceURL string, props *media.Properties, profile classify.Profile) (*Conditioned, error) {
	outPath, cleanup, err := c.tempFile(".mp4")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := BuildVideoArgs(sourceURL, outPath, props, profile)
	log.Debug().Strs("args", redactArgs(args)).Msg("Running ffmpeg")

	if output, err := c.run(ctx, c.opts.FFmpeg, args...); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w (output: %s)", err, tail(string(output), 500))
	}

	outProps, err := c.prober.Probe(ctx, outPath)
	if err != nil {
		return nil, fmt.Errorf("probe conditioned output: %w", err)
	}
	return c.stage(ctx, asset, outPath, ".mp4", "video/mp4", outProps)
}

func (c *Conditioner) stage(ctx context.Context, asset *media.Asset, localPath, ext, contentType string, props *media.Properties) (*Conditioned, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat conditioned output: %w", err)
	}

	key := TransientKey(asset.Path, ext)
	url, err := c.transient.Put(ctx, key, localPath, contentType)
	if err != nil {
		return nil, fmt.Errorf("stage transient copy: %w", err)
	}
	return Staged(c.transient, key, url, info.Size(), props), nil
}

// Staged describes a copy already placed in transient under key. Release
// removes it.
func Staged(transient storage.Transient, key, fetchURL string, size int64, props *media.Properties) *Conditioned {
	return &Conditioned{
		FetchURL:       fetchURL,
		ByteSize:       size,
		WasTransformed: true,
		Properties:     props,
		key:            key,
		transient:      transient,
	}
}

func (c *Conditioner) tempFile(ext string) (string, func(), error) {
	f, err := os.CreateTemp(c.opts.TempDir, "conditioned-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, func() {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", name).Msg("Failed to remove conditioning temp file")
		}
	}, nil
}

// BuildVideoArgs builds the ffmpeg invocation that maps a source onto
// profile: H.264/AAC, frame rate clamped, width scaled into range with the
// aspect ratio kept, duration truncated, and the moov atom moved to the front.
func BuildVideoArgs(input, output string, props *media.Properties, profile classify.Profile) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", input}

	if profile.MaxDuration > 0 && (props == nil || props.Duration == 0 || props.Duration > profile.MaxDuration) {
		args = append(args, "-t", fmt.Sprintf("%.3f", profile.MaxDuration.Seconds()))
	}

	if vf := scaleFilter(props, profile); vf != "" {
		args = append(args, "-vf", vf)
	}

	switch {
	case props == nil || props.FrameRate == 0:
		if profile.MaxFPS > 0 {
			args = append(args, "-fpsmax", fmt.Sprintf("%.0f", profile.MaxFPS))
		}
	case props.FrameRate < profile.MinFPS:
		args = append(args, "-r", fmt.Sprintf("%.2f", profile.MinFPS))
	case profile.MaxFPS > 0 && props.FrameRate > profile.MaxFPS:
		args = append(args, "-r", fmt.Sprintf("%.2f", profile.MaxFPS))
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "21",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-ac", "2",
		"-movflags", "+faststart",
		output,
	)
	return args
}

// scaleFilter keeps the aspect ratio and rounds the height to an even value.
func scaleFilter(props *media.Properties, profile classify.Profile) string {
	if props == nil || props.Width == 0 {
		switch {
		case profile.MinWidth > 0 && profile.MaxWidth > 0:
			return fmt.Sprintf("scale='min(max(iw,%d),%d)':-2", profile.MinWidth, profile.MaxWidth)
		case profile.MinWidth > 0:
			return fmt.Sprintf("scale='max(iw,%d)':-2", profile.MinWidth)
		default:
			return ""
		}
	}
	w := props.Width
	if profile.MinWidth > 0 && w < profile.MinWidth {
		w = profile.MinWidth
	}
	if profile.MaxWidth > 0 && w > profile.MaxWidth {
		w = profile.MaxWidth
	}
	if w == props.Width && w%2 == 0 {
		return ""
	}
	if w%2 != 0 {
		w++
	}
	return fmt.Sprintf("scale=%d:-2", w)
}

// redactArgs hides presigned query strings in debug logs.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "http") {
			if q := strings.IndexByte(a, '?'); q >= 0 {
				a = a[:q] + "?<redacted>"
			}
		}
		out[i] = a
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
