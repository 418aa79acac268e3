package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Store is a key addressed object store.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)

	// Put writes data under key unless the key already exists. It reports whether it wrote.
	Put(ctx context.Context, key, contentType string, data []byte) (bool, error)

	// Get returns mailerr.ErrNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)

	// URL is the download reference recorded for key.
	URL(key string) string
}

func HTMLKey(messageID string) string {
	return messageID + "/email.html"
}

func AttachmentKey(messageID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}

	return messageID + "/attachments/" + name
}

// Upload stores data under key if it is not there yet and returns its download reference.
func Upload(ctx context.Context, store Store, key, contentType string, data []byte) (string, error) {
	if _, err := store.Put(ctx, key, contentType, data); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return store.URL(key), nil
}
