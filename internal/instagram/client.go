// Package instagram publishes single images and videos to an Instagram
// professional account through the Graph API content publishing endpoints.
//
// Publishing is a multi-step process:
//  1. Create a media container from a publicly fetchable URL
//  2. For videos: poll the container until processing finishes
//  3. Publish the container
//  4. Read the published media back to confirm it is live
package instagram

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
	"github.com/fpang/media-relay/internal/graph"
	"github.com/fpang/media-relay/internal/publish"
)

// PlatformName identifies Instagram in targets, logs, and notifications.
const PlatformName = "instagram"

// Publisher implements publish.Platform for one Instagram account.
type Publisher struct {
	api         *graph.Client
	userID      string
	accessToken string
}

// NewPublisher creates a Publisher for the Instagram user userID.
func NewPublisher(api *graph.Client, userID, accessToken string) *Publisher {
	return &Publisher{api: api, userID: userID, accessToken: accessToken}
}

type idResponse struct {
	ID string `json:"id"`
}

// containerStatusResponse is the response from GET /{container_id}?fields=status_code,status.
type containerStatusResponse struct {
	ID         string `json:"id"`
	StatusCode string `json:"status_code"` // IN_PROGRESS, FINISHED, ERROR, EXPIRED, PUBLISHED
	Status     string `json:"status,omitempty"`
}

func (p *Publisher) Name() string { return PlatformName }

// Create creates a media container. Images carry only image_url; short-form
// video is created as REELS shared to the feed.
func (p *Publisher) Create(ctx context.Context, req publish.CreateRequest) (string, error) {
	params := url.Values{
		"caption":      {req.Caption},
		"access_token": {p.accessToken},
	}
	switch req.Product {
	case publish.ProductImage:
		params.Set("image_url", req.URL)
	case publish.ProductReel:
		params.Set("media_type", "REELS")
		params.Set("video_url", req.URL)
		params.Set("share_to_feed", "true")
	case publish.ProductVideo:
		params.Set("media_type", "VIDEO")
		params.Set("video_url", req.URL)
	default:
		return "", apperr.Unexpected(fmt.Sprintf("unknown product %q", req.Product), nil)
	}

	var resp idResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/media", p.userID), params, &resp); err != nil {
		return "", fmt.Errorf("create %s container: %w", req.Product, err)
	}
	if resp.ID == "" {
		return "", apperr.Unexpected("create container: no ID returned", nil)
	}
	log.Info().Str("containerId", resp.ID).Str("product", string(req.Product)).Msg("Instagram container created")
	return resp.ID, nil
}

// Status returns the processing status of a media container.
func (p *Publisher) Status(ctx context.Context, containerID string) (publish.StatusReport, error) {
	params := url.Values{
		"fields":       {"status_code,status"},
		"access_token": {p.accessToken},
	}
	var resp containerStatusResponse
	if err := p.api.Get(ctx, "/"+containerID, params, &resp); err != nil {
		return publish.StatusReport{}, fmt.Errorf("container status: %w", err)
	}

	report := publish.StatusReport{Detail: resp.Status}
	switch resp.StatusCode {
	case "FINISHED", "PUBLISHED":
		report.Status = publish.StatusFinished
	case "ERROR", "EXPIRED":
		report.Status = publish.StatusError
		if report.Detail == "" {
			report.Detail = resp.StatusCode
		}
	default:
		report.Status = publish.StatusInProgress
	}
	return report, nil
}

// Publish publishes a finished container and returns the media ID.
func (p *Publisher) Publish(ctx context.Context, containerID string) (string, error) {
	params := url.Values{
		"creation_id":  {containerID},
		"access_token": {p.accessToken},
	}
	var resp idResponse
	if err := p.api.PostForm(ctx, fmt.Sprintf("/%s/media_publish", p.userID), params, &resp); err != nil {
		return "", fmt.Errorf("publish container %s: %w", containerID, err)
	}
	if resp.ID == "" {
		return "", apperr.Unexpected("publish container: no ID returned", nil)
	}
	log.Info().Str("containerId", containerID).Str("postId", resp.ID).Msg("Container published successfully")
	return resp.ID, nil
}

// Read fetches the published media to confirm it is visible.
func (p *Publisher) Read(ctx context.Context, mediaID string) error {
	params := url.Values{
		"fields":       {"id,permalink"},
		"access_token": {p.accessToken},
	}
	var resp struct {
		ID        string `json:"id"`
		Permalink string `json:"permalink"`
	}
	if err := p.api.Get(ctx, "/"+mediaID, params, &resp); err != nil {
		return fmt.Errorf("read media %s: %w", mediaID, err)
	}
	log.Debug().Str("mediaId", resp.ID).Str("permalink", resp.Permalink).Msg("Published media readable")
	return nil
}

// CheckPageLink confirms the page linked to this account is the one
// configured. A mismatch means posts would land on the wrong account.
func (p *Publisher) CheckPageLink(access *graph.PageAccess) error {
	if access == nil || access.InstagramAccountID == "" {
		return apperr.Configuration("page has no linked Instagram business account")
	}
	if access.InstagramAccountID != p.userID {
		return apperr.Configuration("page %s is linked to Instagram account %s, not %s",
			access.PageID, access.InstagramAccountID, p.userID)
	}
	return nil
}
