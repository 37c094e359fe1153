// Package storage is the gateway to the folder that holds source media and
// to the transient location that holds conditioned copies.
package storage

import (
	"context"
	"io"

	"github.com/fpang/media-relay/internal/media"
)

// Gateway lists, reads, and deletes source media.
type Gateway interface {
	// List returns eligible assets under folder, sorted by name.
	List(ctx context.Context, folder string) ([]*media.Asset, error)
	// FetchURL returns a time-limited URL the platforms can fetch.
	FetchURL(ctx context.Context, path string) (string, error)
	// Properties returns technical properties recorded in object metadata,
	// or media.ErrNoProperties when none were recorded.
	Properties(ctx context.Context, path string) (*media.Properties, error)
	Download(ctx context.Context, path string, w io.Writer) (int64, error)
	Upload(ctx context.Context, path string, r io.Reader, contentType string) error
	Delete(ctx context.Context, path string) error
}

// Transient holds conditioned copies long enough for a platform to fetch them.
// Keys are chosen by the caller and are stable per asset.
type Transient interface {
	Put(ctx context.Context, key, localPath, contentType string) (string, error)
	Remove(ctx context.Context, key string) error
}
