package blob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// tokenKey is the object metadata key Firebase download URLs are checked against.
const tokenKey = "firebaseStorageDownloadTokens"

// GCSStorage stores objects in a Cloud Storage bucket, usually the default
// bucket of the Firebase app.
type GCSStorage struct {
	bucket *storage.BucketHandle
}

func NewGCSStorage(bucket *storage.BucketHandle) *GCSStorage {
	return &GCSStorage{bucket: bucket}
}

func (g *GCSStorage) Upload(ctx context.Context, data []byte, suggestedName string) (Ref, error) {
	name := ObjectName(suggestedName)
	w := g.bucket.Object(name).NewWriter(ctx)
	w.ContentType = http.DetectContentType(data)
	w.Metadata = map[string]string{tokenKey: uuid.NewString()}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return Ref{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return Ref{Bucket: g.bucket.BucketName(), Name: name}, nil
}

func (g *GCSStorage) DownloadURL(ctx context.Context, ref Ref) (string, error) {
	attrs, err := g.bucket.Object(ref.Name).Attrs(ctx)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", ref.Name, err)
	}
	return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
		ref.Bucket, url.PathEscape(ref.Name), attrs.Metadata[tokenKey]), nil
}
