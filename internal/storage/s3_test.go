package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/fpang/media-relay/internal/media"
)

type fakeS3 struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	puts    []*s3.PutObjectInput
	deleted []string
	listErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k, v := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(v)))})
		}
	}
	return out, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{Metadata: f.meta[aws.ToString(in.Key)]}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type fakePresigner struct{ ttl time.Duration }

func (p *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	p.ttl = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://" + aws.ToString(in.Bucket) + ".s3.test/" + aws.ToString(in.Key) + "?X-Amz-Signature=abc"}, nil
}

func TestListFiltersAndSorts(t *testing.T) {
	s3c := newFakeS3()
	s3c.objects["inkwisps/b.mp4"] = []byte("vv")
	s3c.objects["inkwisps/a.png"] = []byte("i")
	s3c.objects["inkwisps/notes.txt"] = []byte("t")
	s3c.objects["inkwisps/archive/c.mp4"] = []byte("x")
	s3c.objects["other/d.jpg"] = []byte("x")

	g := NewS3Gateway(s3c, &fakePresigner{}, "media", 0)
	assets, err := g.List(context.Background(), "/inkwisps")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 eligible assets, got %d", len(assets))
	}
	if assets[0].Name != "a.png" || assets[1].Name != "b.mp4" {
		t.Errorf("unexpected order: %s, %s", assets[0].Name, assets[1].Name)
	}
	if assets[1].Kind != media.KindVideo || assets[1].Size != 2 {
		t.Errorf("unexpected asset: %+v", assets[1])
	}
}

func TestListError(t *testing.T) {
	s3c := newFakeS3()
	s3c.listErr = errors.New("AccessDenied")
	if _, err := NewS3Gateway(s3c, &fakePresigner{}, "media", 0).List(context.Background(), "inkwisps"); err == nil {
		t.Fatal("expected list error")
	}
}

func TestFetchURLUsesTTL(t *testing.T) {
	p := &fakePresigner{}
	g := NewS3Gateway(newFakeS3(), p, "media", 10*time.Minute)
	u, err := g.FetchURL(context.Background(), "inkwisps/clip.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(u, "inkwisps/clip.mp4") {
		t.Errorf("unexpected url: %s", u)
	}
	if p.ttl != 10*time.Minute {
		t.Errorf("expected 10m expiry, got %s", p.ttl)
	}
}

func TestPropertiesFromMetadata(t *testing.T) {
	s3c := newFakeS3()
	s3c.objects["inkwisps/clip.mp4"] = []byte("v")
	s3c.meta["inkwisps/clip.mp4"] = map[string]string{
		"Width": "1080", "height": "1920", "duration": "20.5", "fps": "30000/1001", "codec": "H264",
	}
	s3c.objects["inkwisps/bare.mp4"] = []byte("v")

	g := NewS3Gateway(s3c, &fakePresigner{}, "media", 0)
	p, err := g.Properties(context.Background(), "inkwisps/clip.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Width != 1080 || p.Height != 1920 || p.Codec != "h264" || p.Duration != 20500*time.Millisecond {
		t.Errorf("unexpected properties: %s", p)
	}

	if _, err := g.Properties(context.Background(), "inkwisps/bare.mp4"); !errors.Is(err, media.ErrNoProperties) {
		t.Errorf("expected ErrNoProperties, got %v", err)
	}
}

func TestPartialMetadataFallsThroughToProbe(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]string
	}{
		{"no fps or duration", map[string]string{"width": "1080", "height": "1920", "codec": "h264"}},
		{"no fps", map[string]string{"width": "1080", "height": "1920", "codec": "h264", "duration": "20"}},
		{"no duration", map[string]string{"width": "1080", "height": "1920", "codec": "h264", "fps": "30"}},
		{"zero duration", map[string]string{"width": "1080", "height": "1920", "codec": "h264", "fps": "30", "duration": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s3c := newFakeS3()
			s3c.objects["inkwisps/clip.mp4"] = []byte("v")
			s3c.meta["inkwisps/clip.mp4"] = tt.meta
			probed := &media.Properties{Width: 1080, Height: 1920, Duration: 20 * time.Second, FrameRate: 30, Codec: "h264", Source: "probe"}
			probe := &countingSource{props: probed}

			chain := media.Chain{NewS3Gateway(s3c, &fakePresigner{}, "media", 0), probe}
			p, err := chain.Properties(context.Background(), "inkwisps/clip.mp4")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if probe.calls != 1 {
				t.Errorf("expected the probe to be consulted once, got %d", probe.calls)
			}
			if p.Source != "probe" || p.FrameRate != 30 || p.Duration != 20*time.Second {
				t.Errorf("unexpected properties: %s", p)
			}
		})
	}
}

type countingSource struct {
	props *media.Properties
	calls int
}

func (c *countingSource) Properties(ctx context.Context, p string) (*media.Properties, error) {
	c.calls++
	return c.props, nil
}

func TestDownload(t *testing.T) {
	s3c := newFakeS3()
	s3c.objects["inkwisps/clip.mp4"] = []byte("video-bytes")
	var buf bytes.Buffer
	n, err := NewS3Gateway(s3c, &fakePresigner{}, "media", 0).Download(context.Background(), "inkwisps/clip.mp4", &buf)
	if err != nil || n != 11 || buf.String() != "video-bytes" {
		t.Errorf("unexpected download: n=%d err=%v body=%q", n, err, buf.String())
	}
}

func TestS3TransientPutAndRemove(t *testing.T) {
	s3c := newFakeS3()
	g := NewS3Gateway(s3c, &fakePresigner{}, "media", 0)
	tr := NewS3Transient(g, "/transient/")

	local := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(local, []byte("conditioned"), 0o600); err != nil {
		t.Fatal(err)
	}

	u, err := tr.Put(context.Background(), "abc/clip.mp4", local, "video/mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(u, "transient/abc/clip.mp4") {
		t.Errorf("unexpected url: %s", u)
	}
	if got := aws.ToString(s3c.puts[0].Tagging); got != transientTag {
		t.Errorf("expected transient tagging, got %q", got)
	}

	if err := tr.Remove(context.Background(), "abc/clip.mp4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s3c.objects["transient/abc/clip.mp4"]; ok {
		t.Error("expected transient object to be deleted")
	}
	if err := tr.Remove(context.Background(), ""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

type fakeCloudinary struct {
	uploaded  uploader.UploadParams
	destroyed uploader.DestroyParams
}

func (f *fakeCloudinary) Upload(ctx context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error) {
	f.uploaded = params
	return &uploader.UploadResult{PublicID: params.PublicID, SecureURL: "https://res.cloudinary.test/" + params.PublicID + ".mp4"}, nil
}

func (f *fakeCloudinary) Destroy(ctx context.Context, params uploader.DestroyParams) (*uploader.DestroyResult, error) {
	f.destroyed = params
	return &uploader.DestroyResult{Result: "ok"}, nil
}

func TestCloudinaryTransient(t *testing.T) {
	fc := &fakeCloudinary{}
	c := &CloudinaryTransient{upload: fc, folder: "media-relay"}

	u, err := c.Put(context.Background(), "abc/clip.mp4", "/tmp/out.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != "https://res.cloudinary.test/media-relay/abc/clip.mp4" {
		t.Errorf("unexpected url: %s", u)
	}
	if fc.uploaded.PublicID != "media-relay/abc/clip" || fc.uploaded.Folder != "" || fc.uploaded.ResourceType != "video" {
		t.Errorf("unexpected upload params: %+v", fc.uploaded)
	}
	if err := c.Remove(context.Background(), "abc/clip.mp4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.destroyed.PublicID != fc.uploaded.PublicID {
		t.Errorf("destroy id %q does not match uploaded id %q", fc.destroyed.PublicID, fc.uploaded.PublicID)
	}

	if err := c.Remove(context.Background(), "abc/photo.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.destroyed.PublicID != "media-relay/abc/photo" || fc.destroyed.ResourceType != "image" {
		t.Errorf("unexpected destroy params: %+v", fc.destroyed)
	}
}

func TestCloudinaryTransientWithoutFolder(t *testing.T) {
	fc := &fakeCloudinary{}
	c := &CloudinaryTransient{upload: fc}

	if _, err := c.Put(context.Background(), "abc/photo.jpg", "/tmp/out.jpg", "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Remove(context.Background(), "abc/photo.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.uploaded.PublicID != "abc/photo" || fc.destroyed.PublicID != "abc/photo" {
		t.Errorf("unexpected ids: upload %q destroy %q", fc.uploaded.PublicID, fc.destroyed.PublicID)
	}
}
