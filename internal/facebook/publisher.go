// Package facebook publishes single photos, reels, and videos to a Facebook
// Page through the Graph API.
//
// Each product uses a different endpoint family, but all of them are driven
// through the same create/status/publish/read contract:
//
//	photo: POST /{page}/photos published=false, then POST /{page}/feed attached_media
//	reel:  POST /{page}/video_reels start, hosted upload, then finish with video_state=PUBLISHED
//	video: POST /{page}/videos file_url published=false, then POST /{video} published=true
package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/graph"
	"github.com/fpang/media-relay/internal/publish"
)

const (
	// PlatformName identifies Facebook in targets, logs, and notifications.
	PlatformName = "facebook"

	// DefaultUploadBaseURL is the resumable upload host for reels.
	DefaultUploadBaseURL = "https://rupload.facebook.com/video-upload/v22.0"
)

type pending struct {
	product publish.Product
	caption string
}

// Publisher implements publish.Platform for one Facebook Page. The page token
// comes from the page-connection check.
type Publisher struct {
	api       *graph.Client
	uploadURL string
	pageID    string
	pageToken string

	mu      sync.Mutex
	pending map[string]pending
}

// NewPublisher creates a Publisher posting to pageID with pageToken.
func NewPublisher(api *graph.Client, pageID, pageToken string) *Publisher {
	return &Publisher{
		api:       api,
		uploadURL: DefaultUploadBaseURL,
		pageID:    pageID,
		pageToken: pageToken,
		pending:   make(map[string]pending),
	}
}

// WithUploadBaseURL overrides the reel upload host.
func (p *Publisher) WithUploadBaseURL(u string) *Publisher {
	p.uploadURL = strings.TrimRight(u, "/")
	return p
}

func (p *Publisher) Name() string { return PlatformName }

type idResponse struct {
	ID      string `json:"id"`
	VideoID string `json:"video_id,omitempty"`
	PostID  string `json:"post_id,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Create submits the asset and returns the container id: the unpublished
// photo id or the video id.
func (p *Publisher) Create(ctx context.Context, req publish.CreateRequest) (string, error) {
	var (
		id  string
		err error
	)
	switch req.Product {
	case publish.ProductImage:
		id, err = p.createPhoto(ctx, req.URL)
	case publish.ProductReel:
		id, err = p.createReel(ctx, req.URL)
	case publish.ProductVideo:
		id, err = p.createVideo(ctx, req.URL, req.Caption)
	default:
		return "", apperr.Unexpected(fmt.Sprintf("unknown product %q", req.Product), nil)
	}
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.pending[id] = pending{product: req.Product, caption: req.Caption}
	p.mu.Unlock()

	log.Info().Str("containerId", id).Str("product", string(req.Product)).Msg("Facebook container created")
	return id, nil
}

func (p *Publisher) createPhoto(ctx context.Context, fileURL string) (string, error) {
	params := url.Values{
		"url":          {fileURL},
		"published":    {"false"},
		"access_token": {p.pageToken},
	}
	var resp idResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/photos", p.pageID), params, &resp); err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	if resp.ID == "" {
		return "", apperr.Unexpected("upload photo: no ID returned", nil)
	}
	return resp.ID, nil
}

func (p *Publisher) createReel(ctx context.Context, fileURL string) (string, error) {
	params := url.Values{
		"upload_phase": {"start"},
		"access_token": {p.pageToken},
	}
	var start idResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/video_reels", p.pageID), params, &start); err != nil {
		return "", fmt.Errorf("start reel upload: %w", err)
	}
	if start.VideoID == "" {
		return "", apperr.Unexpected("start reel upload: no video_id returned", nil)
	}

	// The upload host fetches the file itself from file_url.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadURL+"/"+start.VideoID, nil)
	if err != nil {
		return "", apperr.Unexpected("build upload request", err)
	}
	req.Header.Set("Authorization", "OAuth "+p.pageToken)
	req.Header.Set("file_url", fileURL)

	var up successResponse
	if err := p.api.Do(req, &up); err != nil {
		return "", fmt.Errorf("hosted reel upload: %w", err)
	}
	if !up.Success {
		return "", apperr.Rejected(PlatformName, http.StatusBadRequest, 0, "hosted reel upload was not accepted")
	}
	return start.VideoID, nil
}

func (p *Publisher) createVideo(ctx context.Context, fileURL, description string) (string, error) {
	params := url.Values{
		"file_url":     {fileURL},
		"description":  {description},
		"published":    {"false"},
		"access_token": {p.pageToken},
	}
	var resp idResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/videos", p.pageID), params, &resp); err != nil {
		return "", fmt.Errorf("upload video: %w", err)
	}
	if resp.ID == "" {
		return "", apperr.Unexpected("upload video: no ID returned", nil)
	}
	return resp.ID, nil
}

type phase struct {
	Status string `json:"status"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

type videoStatusResponse struct {
	ID     string `json:"id"`
	Status struct {
		VideoStatus     string `json:"video_status"`
		UploadingPhase  *phase `json:"uploading_phase,omitempty"`
		ProcessingPhase *phase `json:"processing_phase,omitempty"`
	} `json:"status"`
}

// Status reports video processing. Photos have nothing to process and always
// report FINISHED.
func (p *Publisher) Status(ctx context.Context, containerID string) (publish.StatusReport, error) {
	if p.productOf(containerID) == publish.ProductImage {
		return publish.StatusReport{Status: publish.StatusFinished}, nil
	}

	params := url.Values{
		"fields":       {"status"},
		"access_token": {p.pageToken},
	}
	var resp videoStatusResponse
	if err := p.api.Get(ctx, "/"+containerID, params, &resp); err != nil {
		return publish.StatusReport{}, fmt.Errorf("video status: %w", err)
	}
	return mapVideoStatus(resp), nil
}

func mapVideoStatus(resp videoStatusResponse) publish.StatusReport {
	st := resp.Status
	for _, ph := range []*phase{st.UploadingPhase, st.ProcessingPhase} {
		if ph != nil && ph.Status == "error" {
			detail := "processing error"
			if len(ph.Errors) > 0 {
				detail = ph.Errors[0].Message
			}
			return publish.StatusReport{Status: publish.StatusError, Detail: detail}
		}
	}
	switch {
	case st.VideoStatus == "error":
		return publish.StatusReport{Status: publish.StatusError, Detail: "video_status=error"}
	case st.VideoStatus == "ready":
		return publish.StatusReport{Status: publish.StatusFinished}
	case st.ProcessingPhase != nil && st.ProcessingPhase.Status == "complete":
		return publish.StatusReport{Status: publish.StatusFinished}
	default:
		return publish.StatusReport{Status: publish.StatusInProgress, Detail: st.VideoStatus}
	}
}

// Publish makes the container visible on the page and returns the id that
// Read can fetch.
func (p *Publisher) Publish(ctx context.Context, containerID string) (string, error) {
	p.mu.Lock()
	pend, ok := p.pending[containerID]
	delete(p.pending, containerID)
	p.mu.Unlock()
	if !ok {
		return "", apperr.Unexpected(fmt.Sprintf("publish: unknown container %s", containerID), nil)
	}

	switch pend.product {
	case publish.ProductImage:
		return p.publishPhoto(ctx, containerID, pend.caption)
	case publish.ProductReel:
		return p.publishReel(ctx, containerID, pend.caption)
	default:
		return p.publishVideo(ctx, containerID)
	}
}

func (p *Publisher) publishPhoto(ctx context.Context, photoID, caption string) (string, error) {
	attached, err := json.Marshal([]map[string]string{{"media_fbid": photoID}})
	if err != nil {
		return "", apperr.Unexpected("encode attached_media", err)
	}
	params := url.Values{
		"attached_media": {string(attached)},
		"message":        {caption},
		"access_token":   {p.pageToken},
	}
	var resp idResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/feed", p.pageID), params, &resp); err != nil {
		return "", fmt.Errorf("create feed post: %w", err)
	}
	if resp.ID == "" {
		return "", apperr.Unexpected("create feed post: no ID returned", nil)
	}
	log.Info().Str("photoId", photoID).Str("postId", resp.ID).Msg("Photo post published")
	return resp.ID, nil
}

func (p *Publisher) publishReel(ctx context.Context, videoID, description string) (string, error) {
	params := url.Values{
		"upload_phase": {"finish"},
		"video_id":     {videoID},
		"video_state":  {"PUBLISHED"},
		"description":  {description},
		"access_token": {p.pageToken},
	}
	var resp successResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/video_reels", p.pageID), params, &resp); err != nil {
		return "", fmt.Errorf("finish reel: %w", err)
	}
	if !resp.Success {
		return "", apperr.Rejected(PlatformName, http.StatusBadRequest, 0, "reel finish was not accepted")
	}
	log.Info().Str("videoId", videoID).Msg("Reel published")
	return videoID, nil
}

func (p *Publisher) publishVideo(ctx context.Context, videoID string) (string, error) {
	params := url.Values{
		"published":    {"true"},
		"access_token": {p.pageToken},
	}
	var resp successResponse
	if err := p.api.PostForm(ctx, "/"+videoID, params, &resp); err != nil {
		return "", fmt.Errorf("publish video: %w", err)
	}
	if !resp.Success {
		return "", apperr.Rejected(PlatformName, http.StatusBadRequest, 0, "video publish was not accepted")
	}
	log.Info().Str("videoId", videoID).Msg("Video published")
	return videoID, nil
}

// Read fetches the published object to confirm it is visible.
func (p *Publisher) Read(ctx context.Context, id string) error {
	params := url.Values{
		"fields":       {"id,permalink_url"},
		"access_token": {p.pageToken},
	}
	var resp struct {
		ID           string `json:"id"`
		PermalinkURL string `json:"permalink_url"`
	}
	if err := p.api.Get(ctx, "/"+id, params, &resp); err != nil {
		return fmt.Errorf("read %s: %w", id, err)
	}
	log.Debug().Str("id", resp.ID).Str("permalink", resp.PermalinkURL).Msg("Published post readable")
	return nil
}

func (p *Publisher) productOf(containerID string) publish.Product {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[containerID].product
}
