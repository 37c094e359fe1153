// Package media describes source assets and their technical properties.
//
// Properties are resolved lazily through a chain of PropertySource values:
// object metadata first, then a bounded ffprobe of the fetch URL, and a full
// download only as the last resort. An Asset resolves its properties at most
// once, so every stage of one publish attempt sees the same values.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind is the broad media type of an asset.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

// ErrNoProperties is returned by a PropertySource that has nothing to offer.
var ErrNoProperties = errors.New("media properties unavailable")

// extensions is the eligibility allow-list. Anything else in the folder is ignored.
var extensions = map[string]struct {
	kind Kind
	mime string
}{
	".mp4":  {KindVideo, "video/mp4"},
	".mov":  {KindVideo, "video/quicktime"},
	".jpg":  {KindImage, "image/jpeg"},
	".jpeg": {KindImage, "image/jpeg"},
	".png":  {KindImage, "image/png"},
}

// ExtensionKind returns the kind for name's extension and whether it is eligible.
func ExtensionKind(name string) (Kind, bool) {
	e, ok := extensions[strings.ToLower(path.Ext(name))]
	return e.kind, ok
}

// MIMEType returns the MIME type for an eligible file name, or
// application/octet-stream.
func MIMEType(name string) string {
	if e, ok := extensions[strings.ToLower(path.Ext(name))]; ok {
		return e.mime
	}
	return "application/octet-stream"
}

// Properties are the technical attributes the classifier needs.
type Properties struct {
	Width      int
	Height     int
	Duration   time.Duration
	FrameRate  float64
	Codec      string
	AudioCodec string
	Source     string
}

// AspectRatio returns width/height, or 0 when the height is unknown.
func (p *Properties) AspectRatio() float64 {
	if p == nil || p.Height == 0 {
		return 0
	}
	return float64(p.Width) / float64(p.Height)
}

func (p *Properties) String() string {
	if p == nil {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d %s %.2ffps %s", p.Width, p.Height, p.Codec, p.FrameRate, p.Duration)
}

// PropertySource resolves properties for an object path.
type PropertySource interface {
	Properties(ctx context.Context, path string) (*Properties, error)
}

// Chain tries each source in order and returns the first success.
type Chain []PropertySource

func (c Chain) Properties(ctx context.Context, p string) (*Properties, error) {
	var errs []error
	for _, src := range c {
		props, err := src.Properties(ctx, p)
		if err == nil && props != nil {
			return props, nil
		}
		if err == nil {
			err = ErrNoProperties
		}
		log.Debug().Err(err).Str("asset", p).Str("source", fmt.Sprintf("%T", src)).Msg("Property source gave nothing, trying next")
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoProperties
	}
	return nil, errors.Join(errs...)
}

// Asset is one candidate file in the watched folder.
type Asset struct {
	Name string
	Path string
	Size int64
	Kind Kind

	once     sync.Once
	props    *Properties
	propsErr error
}

// NewAsset builds an Asset, inferring its kind from the extension.
// ok is false for files outside the allow-list.
func NewAsset(objectPath string, size int64) (*Asset, bool) {
	kind, ok := ExtensionKind(objectPath)
	if !ok {
		return nil, false
	}
	return &Asset{
		Name: path.Base(objectPath),
		Path: objectPath,
		Size: size,
		Kind: kind,
	}, true
}

// LoadProperties resolves the asset's properties through src on first call.
// Later calls return the cached result, including a cached failure.
func (a *Asset) LoadProperties(ctx context.Context, src PropertySource) (*Properties, error) {
	a.once.Do(func() {
		if src == nil {
			a.propsErr = ErrNoProperties
			return
		}
		a.props, a.propsErr = src.Properties(ctx, a.Path)
	})
	return a.props, a.propsErr
}

// SizeMB renders the asset size in megabytes for operator messages.
func (a *Asset) SizeMB() string {
	return fmt.Sprintf("%.2f MB", float64(a.Size)/(1024*1024))
}
