package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog/log"
)

// transientTag marks uploaded copies so a bucket lifecycle rule can sweep
// anything a crashed run failed to release.
const transientTag = "Project=media-relay&Lifecycle=transient"

func transientTagging() *string {
	t := transientTag
	return &t
}

// S3Transient keeps conditioned copies under a prefix of the source bucket.
type S3Transient struct {
	gateway *S3Gateway
	prefix  string
}

// NewS3Transient creates a transient store under prefix (e.g. "transient").
func NewS3Transient(gateway *S3Gateway, prefix string) *S3Transient {
	return &S3Transient{gateway: gateway, prefix: strings.Trim(prefix, "/")}
}

func (t *S3Transient) objectKey(key string) string {
	return path.Join(t.prefix, key)
}

func (t *S3Transient) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open conditioned file: %w", err)
	}
	defer f.Close()

	objectKey := t.objectKey(key)
	if err := t.gateway.Upload(ctx, objectKey, f, contentType); err != nil {
		return "", err
	}
	log.Info().Str("key", objectKey).Msg("Transient copy uploaded")
	return t.gateway.FetchURL(ctx, objectKey)
}

func (t *S3Transient) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return t.gateway.Delete(ctx, t.objectKey(key))
}

// CloudinaryUploader is the subset of the Cloudinary upload API in use.
type CloudinaryUploader interface {
	Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error)
	Destroy(ctx context.Context, params uploader.DestroyParams) (*uploader.DestroyResult, error)
}

// CloudinaryTransient keeps conditioned copies on Cloudinary.
type CloudinaryTransient struct {
	upload CloudinaryUploader
	folder string
}

// NewCloudinaryTransient connects to Cloudinary with API credentials.
func NewCloudinaryTransient(cloudName, apiKey, apiSecret, folder string) (*CloudinaryTransient, error) {
	if cloudName == "" {
		return nil, fmt.Errorf("cloudinary cloud name is not configured")
	}
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("init cloudinary: %w", err)
	}
	return &CloudinaryTransient{upload: &cld.Upload, folder: strings.Trim(folder, "/")}, nil
}

func resourceType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg", ".png":
		return "image"
	default:
		return "video"
	}
}

// publicID is folder/key without the extension, which Cloudinary appends.
// The folder lives in the id itself so Destroy addresses exactly what Upload
// created on dynamic-folder accounts too.
func (c *CloudinaryTransient) publicID(key string) string {
	id := strings.TrimSuffix(key, path.Ext(key))
	if c.folder == "" {
		return id
	}
	return path.Join(c.folder, id)
}

func (c *CloudinaryTransient) Put(ctx context.Context, key, localPath, contentType string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	result, err := c.upload.Upload(ctx, localPath, uploader.UploadParams{
		PublicID:     c.publicID(key),
		ResourceType: resourceType(key),
		Overwrite:    api.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("upload to cloudinary: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("upload to cloudinary: %s", result.Error.Message)
	}
	log.Info().Str("publicId", result.PublicID).Msg("Transient copy uploaded to Cloudinary")
	return result.SecureURL, nil
}

func (c *CloudinaryTransient) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := c.upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     c.publicID(key),
		ResourceType: resourceType(key),
	})
	if err != nil {
		return fmt.Errorf("delete from cloudinary: %w", err)
	}
	return nil
}
