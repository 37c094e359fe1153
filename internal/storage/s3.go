package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/media"
)

// DefaultPresignTTL is long enough for the slowest platform to finish fetching.
const DefaultPresignTTL = time.Hour

// Object metadata keys written by the uploader that fills the folder.
const (
	MetaWidth      = "width"
	MetaHeight     = "height"
	MetaDuration   = "duration"
	MetaFPS        = "fps"
	MetaCodec      = "codec"
	MetaAudioCodec = "audio-codec"
)

// S3API is the subset of the S3 client the gateway uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner signs GET URLs.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Gateway implements Gateway on an S3 bucket.
type S3Gateway struct {
	client    S3API
	presigner Presigner
	bucket    string
	ttl       time.Duration
}

// NewS3Gateway creates a gateway for bucket. ttl <= 0 uses DefaultPresignTTL.
func NewS3Gateway(client S3API, presigner Presigner, bucket string, ttl time.Duration) *S3Gateway {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &S3Gateway{client: client, presigner: presigner, bucket: bucket, ttl: ttl}
}

// Bucket returns the bucket name.
func (g *S3Gateway) Bucket() string { return g.bucket }

func (g *S3Gateway) List(ctx context.Context, folder string) ([]*media.Asset, error) {
	prefix := strings.Trim(folder, "/")
	if prefix != "" {
		prefix += "/"
	}

	var assets []*media.Asset
	skipped := 0
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: &g.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", g.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// direct children only
			if strings.Contains(strings.TrimPrefix(key, prefix), "/") {
				continue
			}
			a, ok := media.NewAsset(key, aws.ToInt64(obj.Size))
			if !ok {
				skipped++
				continue
			}
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })

	log.Debug().Str("bucket", g.bucket).Str("prefix", prefix).Int("eligible", len(assets)).Int("skipped", skipped).Msg("Listed folder")
	return assets, nil
}

func (g *S3Gateway) FetchURL(ctx context.Context, key string) (string, error) {
	result, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &g.bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = g.ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}

func (g *S3Gateway) Properties(ctx context.Context, key string) (*media.Properties, error) {
	head, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &g.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("S3 HeadObject: %w", err)
	}
	return PropertiesFromMetadata(head.Metadata)
}

// PropertiesFromMetadata reads properties recorded as S3 user metadata.
func PropertiesFromMetadata(meta map[string]string) (*media.Properties, error) {
	get := func(k string) string {
		for mk, v := range meta {
			if strings.EqualFold(mk, k) {
				return v
			}
		}
		return ""
	}

	width, errW := strconv.Atoi(get(MetaWidth))
	height, errH := strconv.Atoi(get(MetaHeight))
	codec := get(MetaCodec)
	if errW != nil || errH != nil || codec == "" {
		return nil, media.ErrNoProperties
	}

	// Classification reads every field, so a partial record defers to a probe.
	fps := media.ParseFrameRate(get(MetaFPS))
	seconds, errD := strconv.ParseFloat(get(MetaDuration), 64)
	if fps <= 0 || errD != nil || seconds <= 0 {
		return nil, media.ErrNoProperties
	}

	return &media.Properties{
		Width:      width,
		Height:     height,
		Duration:   time.Duration(seconds * float64(time.Second)),
		FrameRate:  fps,
		Codec:      strings.ToLower(codec),
		AudioCodec: strings.ToLower(get(MetaAudioCodec)),
		Source:     "metadata",
	}, nil
}

func (g *S3Gateway) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	result, err := g.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &g.bucket, Key: &key})
	if err != nil {
		return 0, fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	n, err := io.Copy(w, result.Body)
	if err != nil {
		return n, fmt.Errorf("download: %w", err)
	}
	return n, nil
}

func (g *S3Gateway) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &g.bucket,
		Key:         &key,
		Body:        r,
		ContentType: &contentType,
		Tagging:     transientTagging(),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a key that is already gone is not an error.
func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &g.bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("S3 DeleteObject %s: %w", path.Base(key), err)
	}
	return nil
}

// ErrEmptyKey is returned when a transient key is blank.
var ErrEmptyKey = errors.New("transient key is empty")
