package gateway

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ponchohq/poncho/pkg/models"
)

// maxUploadBytes bounds one uploaded file.
const maxUploadBytes = 10 << 20

// Upload is one stored blob.
type Upload struct {
	Key         string
	Name        string
	ContentType string
	Data        []byte
}

// Uploads is the in-memory blob store behind /api/uploads and multipart
// message files.
type Uploads struct {
	mu    sync.RWMutex
	blobs map[string]Upload
}

// NewUploads builds an empty upload store.
func NewUploads() *Uploads {
	return &Uploads{blobs: make(map[string]Upload)}
}

// Put stores a blob and returns its opaque key.
func (u *Uploads) Put(name, contentType string, data []byte) (string, error) {
	if len(data) > maxUploadBytes {
		return "", fmt.Errorf("upload %s exceeds %d bytes", name, maxUploadBytes)
	}
	key := uuid.NewString()
	u.mu.Lock()
	u.blobs[key] = Upload{Key: key, Name: name, ContentType: contentType, Data: data}
	u.mu.Unlock()
	return key, nil
}

// Get looks a blob up by key.
func (u *Uploads) Get(key string) (Upload, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	blob, ok := u.blobs[key]
	return blob, ok
}

// Dereference resolves upload-keyed file parts into inline base64 parts so
// downstream consumers never see opaque keys.
func (u *Uploads) Dereference(parts []models.ContentPart) ([]models.ContentPart, error) {
	out := make([]models.ContentPart, 0, len(parts))
	for _, part := range parts {
		if part.Type != models.PartFile || part.File == nil || part.File.Kind != models.FileUpload {
			out = append(out, part)
			continue
		}
		blob, ok := u.Get(part.File.UploadKey)
		if !ok {
			return nil, fmt.Errorf("unknown upload key %q", part.File.UploadKey)
		}
		out = append(out, models.ContentPart{
			Type: models.PartFile,
			File: &models.FileRef{
				Kind:      models.FileBase64,
				Name:      blob.Name,
				MediaType: blob.ContentType,
				Data:      base64.StdEncoding.EncodeToString(blob.Data),
			},
		})
	}
	return out, nil
}
