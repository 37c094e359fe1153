package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// probeBytes bounds how much of a remote file ffprobe may read. Container
// headers (moov atom with +faststart, image headers) fit well within it.
const probeBytes = 5 * 1024 * 1024

// RunFunc executes an external command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w (stderr: %s)", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

type ffprobeStream struct {
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	Duration   string `json:"duration"`
}

// Prober runs ffprobe against a local path or a URL.
type Prober struct {
	Binary string
	run    RunFunc
}

// NewProber creates a Prober using the given ffprobe binary (default "ffprobe").
func NewProber(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{Binary: binary, run: execRun}
}

// NewProberWithRunner creates a Prober that executes commands through run.
func NewProberWithRunner(binary string, run RunFunc) *Prober {
	p := NewProber(binary)
	p.run = run
	return p
}

// Probe reads container headers only. For URLs, ffprobe streams at most
// probeBytes; the file is never downloaded in full.
func (p *Prober) Probe(ctx context.Context, target string) (*Properties, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-probesize", strconv.Itoa(probeBytes),
		"-analyzeduration", "5000000",
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		args = append(args, "-rw_timeout", "15000000")
	}
	args = append(args, target)

	start := time.Now()
	out, err := p.run(ctx, p.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	props, err := ParseProbe(out)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("props", props.String()).Dur("elapsed", time.Since(start)).Msg("Probed media properties")
	return props, nil
}

// ParseProbe converts ffprobe JSON output into Properties.
func ParseProbe(data []byte) (*Properties, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	props := &Properties{Source: "ffprobe"}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		props.Duration = time.Duration(d * float64(time.Second))
	}
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if props.Codec != "" {
				continue
			}
			props.Codec = s.CodecName
			props.Width = s.Width
			props.Height = s.Height
			props.FrameRate = ParseFrameRate(s.RFrameRate)
			if props.Duration == 0 {
				if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
					props.Duration = time.Duration(d * float64(time.Second))
				}
			}
		case "audio":
			if props.AudioCodec == "" {
				props.AudioCodec = s.CodecName
			}
		}
	}
	if props.Codec == "" {
		return nil, fmt.Errorf("ffprobe reported no video or image stream: %w", ErrNoProperties)
	}
	return props, nil
}

// ParseFrameRate parses ffprobe's rational frame rate ("30000/1001" -> 29.97).
func ParseFrameRate(value string) float64 {
	parts := strings.Split(value, "/")
	if len(parts) == 2 {
		num, _ := strconv.ParseFloat(parts[0], 64)
		den, _ := strconv.ParseFloat(parts[1], 64)
		if den != 0 {
			return num / den
		}
		return 0
	}
	rate, _ := strconv.ParseFloat(value, 64)
	return rate
}

// URLResolver produces a fetchable URL for an object path.
type URLResolver interface {
	FetchURL(ctx context.Context, path string) (string, error)
}

// RemoteProbe probes the object's fetch URL with a bounded read.
type RemoteProbe struct {
	Prober *Prober
	URLs   URLResolver
}

func (r RemoteProbe) Properties(ctx context.Context, p string) (*Properties, error) {
	u, err := r.URLs.FetchURL(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("resolve fetch url: %w", err)
	}
	return r.Prober.Probe(ctx, u)
}

// Downloader copies an object's bytes into w.
type Downloader interface {
	Download(ctx context.Context, path string, w io.Writer) (int64, error)
}

// DownloadProbe downloads the whole object to a temp file and probes it.
// It is the last entry of the property chain.
type DownloadProbe struct {
	Prober  *Prober
	Objects Downloader
	TempDir string
}

func (d DownloadProbe) Properties(ctx context.Context, p string) (*Properties, error) {
	f, err := os.CreateTemp(d.TempDir, "probe-*"+filepath.Ext(p))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	n, err := d.Objects.Download(ctx, p, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	log.Debug().Str("asset", p).Int64("bytes", n).Msg("Downloaded asset for full probe")
	return d.Prober.Probe(ctx, f.Name())
}
