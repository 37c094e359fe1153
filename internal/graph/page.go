package graph

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/fpang/media-relay/internal/apperr"
)

// PageAccess is what a page-connection check yields: the page's own token
// and the Instagram business account linked to it.
type PageAccess struct {
	PageID             string
	PageToken          string
	InstagramAccountID string
}

type pageResponse struct {
	ID                       string `json:"id"`
	AccessToken              string `json:"access_token"`
	InstagramBusinessAccount *struct {
		ID string `json:"id"`
	} `json:"instagram_business_account,omitempty"`
}

// PageAccess reads the page token and linked Instagram account for pageID
// using a user token. A page without a token means the user token lacks the
// pages permissions, which is a configuration problem.
func (c *Client) PageAccess(ctx context.Context, pageID, userToken string) (*PageAccess, error) {
	if pageID == "" || userToken == "" {
		return nil, apperr.Configuration("page id and user token are required for the page-connection check")
	}
	params := url.Values{
		"fields":       {"access_token,instagram_business_account"},
		"access_token": {userToken},
	}
	var resp pageResponse
	if err := c.Get(ctx, "/"+url.PathEscape(pageID), params, &resp); err != nil {
		return nil, fmt.Errorf("page access for %s: %w", pageID, err)
	}
	if resp.AccessToken == "" {
		return nil, apperr.Configuration("page %s returned no access token; check pages_manage_posts permission", pageID)
	}

	access := &PageAccess{PageID: pageID, PageToken: resp.AccessToken}
	if resp.InstagramBusinessAccount != nil {
		access.InstagramAccountID = resp.InstagramBusinessAccount.ID
	}
	log.Info().Str("pageId", pageID).Str("instagramAccountId", access.InstagramAccountID).Msg("Page access resolved")
	return access, nil
}
