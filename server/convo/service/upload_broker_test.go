package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"opsdesk/server/convo/domain"
)

type fakePresigner struct {
	lastMethod  string
	lastBucket  string
	lastKey     string
	lastExpiry  time.Duration
	lastHeaders http.Header
}

func (p *fakePresigner) PresignHeader(_ context.Context, method, bucketName, objectName string, expires time.Duration, _ url.Values, extraHeaders http.Header) (*url.URL, error) {
	p.lastMethod = method
	p.lastBucket = bucketName
	p.lastKey = objectName
	p.lastExpiry = expires
	p.lastHeaders = extraHeaders
	return &url.URL{
		Scheme:   "http",
		Host:     "storage.local",
		Path:     "/" + bucketName + "/" + objectName,
		RawQuery: "X-Amz-Signature=deadbeef",
	}, nil
}

func TestAuthorizeKeyFormat(t *testing.T) {
	presigner := &fakePresigner{}
	broker := NewUploadBroker(presigner, "opsdesk-attachments", time.Minute)

	grant, err := broker.Authorize(context.Background(), "abc123", "report.pdf", "application/pdf")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !strings.HasPrefix(grant.StorageKey, "abc123/") {
		t.Fatalf("key must be scoped under the access token, got %q", grant.StorageKey)
	}
	if !strings.HasSuffix(grant.StorageKey, "-report.pdf") {
		t.Fatalf("key must end with the filename, got %q", grant.StorageKey)
	}
	if strings.Count(grant.StorageKey, "/") != 1 {
		t.Fatalf("key must contain exactly one path separator, got %q", grant.StorageKey)
	}
	if grant.UploadURL == "" {
		t.Fatal("expected a presigned upload url")
	}
	if presigner.lastMethod != http.MethodPut {
		t.Fatalf("expected PUT authorization, got %s", presigner.lastMethod)
	}
	if presigner.lastExpiry != time.Minute {
		t.Fatalf("expected 1m expiry, got %v", presigner.lastExpiry)
	}
	if got := presigner.lastHeaders.Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("authorization must be bound to the declared content type, got %q", got)
	}
}

func TestAuthorizeKeysAreUnique(t *testing.T) {
	presigner := &fakePresigner{}
	broker := NewUploadBroker(presigner, "opsdesk-attachments", time.Minute)

	a, err := broker.Authorize(context.Background(), "abc123", "a.png", "image/png")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	b, err := broker.Authorize(context.Background(), "abc123", "a.png", "image/png")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if a.StorageKey == b.StorageKey {
		t.Fatalf("same filename must still mint distinct keys, got %q twice", a.StorageKey)
	}
}

func TestAuthorizeMissingFields(t *testing.T) {
	broker := NewUploadBroker(&fakePresigner{}, "opsdesk-attachments", time.Minute)

	tests := []struct {
		name        string
		filename    string
		contentType string
	}{
		{"missing filename", "", "image/png"},
		{"missing content type", "a.png", ""},
		{"both missing", "", ""},
		{"whitespace filename", "   ", "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.Authorize(context.Background(), "abc123", tt.filename, tt.contentType)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestAuthorizeSanitizesFilename(t *testing.T) {
	presigner := &fakePresigner{}
	broker := NewUploadBroker(presigner, "opsdesk-attachments", time.Minute)

	grant, err := broker.Authorize(context.Background(), "abc123", "../../../etc/passwd", "text/plain")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if strings.Contains(grant.StorageKey, "..") {
		t.Fatalf("key must not contain path traversal, got %q", grant.StorageKey)
	}
	if !strings.HasSuffix(grant.StorageKey, "-passwd") {
		t.Fatalf("expected base filename in key, got %q", grant.StorageKey)
	}
	if strings.Count(grant.StorageKey, "/") != 1 {
		t.Fatalf("key must stay scoped to the token prefix, got %q", grant.StorageKey)
	}
}
