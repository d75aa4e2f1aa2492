package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImageArchive copies freshly generated images into a BlobStore.
//
// Generation providers return either a short-lived HTTPS URL or an inline
// data URI. Archive normalizes both into a durable blob and returns the
// store's stable URL for it.
type ImageArchive struct {
	store BlobStore
	hc    *http.Client
}

// NewImageArchive creates an ImageArchive over store.
func NewImageArchive(store BlobStore) *ImageArchive {
	return &ImageArchive{
		store: store,
		hc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Archive stores the image referenced by src and returns its stable URL.
// src is either an http(s) URL or a "data:<type>;base64,<payload>" URI.
func (a *ImageArchive) Archive(ctx context.Context, src string) (string, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case strings.HasPrefix(src, "data:"):
		ct, data, err := decodeDataURI(src)
		if err != nil {
			return "", err
		}
		contentType = ct
		body = bytes.NewReader(data)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return "", err
		}
		resp, err := a.hc.Do(req)
		if err != nil {
			return "", fmt.Errorf("storage: fetch image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("storage: fetch image: unexpected status %s", resp.Status)
		}
		contentType = resp.Header.Get("Content-Type")
		body = resp.Body
	default:
		return "", fmt.Errorf("storage: unsupported image source %q", truncate(src, 40))
	}

	key := "images/" + uuid.NewString() + extFor(contentType)
	if err := a.store.Put(ctx, key, contentType, body); err != nil {
		return "", err
	}
	return a.store.URL(key), nil
}

// decodeDataURI splits a base64 data URI into its content type and payload.
func decodeDataURI(src string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(src, "data:")
	if !ok {
		return "", nil, fmt.Errorf("storage: not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("storage: malformed data URI")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("storage: data URI is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("storage: decode data URI: %w", err)
	}
	return strings.TrimSuffix(meta, ";base64"), data, nil
}

// extFor picks a file extension for the given content type.
// Defaults to .png, the format generation providers emit most often.
func extFor(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".png"
	}
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
