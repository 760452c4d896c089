package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsdesk/server/convo/domain"
)

// ObjectPresigner is satisfied by *minio.Client.
type ObjectPresigner interface {
	PresignHeader(ctx context.Context, method string, bucketName, objectName string, expires time.Duration, reqParams url.Values, extraHeaders http.Header) (*url.URL, error)
}

// UploadBroker mints storage keys scoped under a project's access token and
// issues short-lived single-PUT authorizations for them. It never touches
// object bytes or the conversation store; whether the token resolves to a
// project is checked later, at message creation.
type UploadBroker struct {
	presigner ObjectPresigner
	bucket    string
	expiry    time.Duration
}

func NewUploadBroker(presigner ObjectPresigner, bucket string, expiry time.Duration) *UploadBroker {
	return &UploadBroker{presigner: presigner, bucket: bucket, expiry: expiry}
}

// Authorize derives a key of the form <token>/<discriminator>-<filename> and
// returns a presigned PUT URL bound to that key and content type.
func (b *UploadBroker) Authorize(ctx context.Context, token, filename, contentType string) (domain.UploadAuthorization, error) {
	filename = sanitizeFilename(filename)
	contentType = strings.TrimSpace(contentType)
	if filename == "" || contentType == "" {
		return domain.UploadAuthorization{}, fmt.Errorf("%w: filename and contentType are required", domain.ErrInvalidRequest)
	}

	key := fmt.Sprintf("%s/%s-%s", token, uuid.NewString(), filename)
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	u, err := b.presigner.PresignHeader(ctx, http.MethodPut, b.bucket, key, b.expiry, url.Values{}, headers)
	if err != nil {
		return domain.UploadAuthorization{}, fmt.Errorf("presign upload: %w", err)
	}
	return domain.UploadAuthorization{UploadURL: u.String(), StorageKey: key}, nil
}

func sanitizeFilename(filename string) string {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return ""
	}
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}
