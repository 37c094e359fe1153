package graph

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/fpang/media-relay/internal/apperr"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(server.URL, "instagram").WithHTTPClient(server.Client())
}

func TestPostFormDecodesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type: %s", ct)
		}
		r.ParseForm()
		if r.Form.Get("creation_id") != "c-1" {
			t.Errorf("unexpected creation_id: %s", r.Form.Get("creation_id"))
		}
		w.Write([]byte(`{"id":"post-1"}`))
	}))
	defer server.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := newTestClient(server).PostForm(context.Background(), "/123/media_publish", url.Values{"creation_id": {"c-1"}}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != "post-1" {
		t.Errorf("expected post-1, got %s", out.ID)
	}
}

func TestErrorEnvelopeIsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Application does not have permission for this action","type":"OAuthException","code":10}}`))
	}))
	defer server.Close()

	err := newTestClient(server).PostForm(context.Background(), "/123/media", url.Values{}, nil)
	if !errors.Is(err, apperr.ErrPlatformRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	code, msg, ok := apperr.PlatformCode(err)
	if !ok || code != 10 || msg != "Application does not have permission for this action" {
		t.Errorf("unexpected code/message: %d %q %v", code, msg, ok)
	}
	if !apperr.IsClientError(err) {
		t.Error("expected client error")
	}
}

func TestErrorEnvelopeWith200IsStillRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	}))
	defer server.Close()

	err := newTestClient(server).Get(context.Background(), "/x", nil, nil)
	if !apperr.IsClientError(err) {
		t.Errorf("expected client error, got %v", err)
	}
}

func TestServerErrorWithoutEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	err := newTestClient(server).Get(context.Background(), "/x", nil, nil)
	if !errors.Is(err, apperr.ErrPlatformRejected) || apperr.IsClientError(err) {
		t.Errorf("expected non-client rejection, got %v", err)
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(server)
	server.Close()

	err := client.Get(context.Background(), "/x", nil, nil)
	if !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestPageAccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("fields") != "access_token,instagram_business_account" {
			t.Errorf("unexpected fields: %s", r.URL.Query().Get("fields"))
		}
		if r.URL.Query().Get("access_token") != "user-token" {
			t.Errorf("expected user token")
		}
		w.Write([]byte(`{"id":"page-1","access_token":"page-token","instagram_business_account":{"id":"ig-1"}}`))
	}))
	defer server.Close()

	access, err := newTestClient(server).PageAccess(context.Background(), "page-1", "user-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if access.PageToken != "page-token" || access.InstagramAccountID != "ig-1" {
		t.Errorf("unexpected access: %+v", access)
	}
}

func TestPageAccessWithoutTokenIsConfigurationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"page-1"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).PageAccess(context.Background(), "page-1", "user-token")
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if _, err := newTestClient(server).PageAccess(context.Background(), "", "tok"); !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("expected configuration error for empty page id, got %v", err)
	}
}
