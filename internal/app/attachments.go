package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediconnect/internal/util"
	"mediconnect/pkg/domain"
)

// Extensions accepted for chat uploads unless overridden by config.
var defaultAllowedExtensions = []string{"jpg", "jpeg", "png", "pdf", "doc", "docx"}

const attachmentPutTimeout = 30 * time.Second

// Upload is a file submitted alongside a chat message.
type Upload struct {
	Reader       io.Reader
	OriginalName string
	SizeBytes    int64
}

// storeAttachment validates the upload and writes it to object storage under
// a generated key. The user-supplied filename is kept for display only and
// never becomes part of the storage path.
func (a *App) storeAttachment(ctx context.Context, appointmentID int64, up Upload) (*domain.AttachmentRef, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(up.OriginalName), "."))
	if _, ok := a.allowedExtensions[ext]; !ok {
		return nil, ErrUnsupportedType
	}
	if a.maxUploadBytes > 0 && up.SizeBytes > a.maxUploadBytes {
		return nil, ErrFileTooLarge
	}

	key := fmt.Sprintf("chat/%d/%s.%s", appointmentID, uuid.NewString(), ext)
	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	putCtx, cancel := context.WithTimeout(ctx, attachmentPutTimeout)
	defer cancel()
	if err := a.objects.Put(putCtx, key, up.Reader, up.SizeBytes, contentType); err != nil {
		util.LoggerFromContext(ctx).Error("attachment write failed", "appointment_id", appointmentID, "key", key, "err", err)
		return nil, ErrStorageFailure
	}

	return &domain.AttachmentRef{
		StorageKey:   key,
		OriginalName: filepath.Base(up.OriginalName),
		Extension:    ext,
		SizeBytes:    up.SizeBytes,
	}, nil
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = defaultAllowedExtensions
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
		if ext == "" {
			continue
		}
		out[ext] = struct{}{}
	}
	return out
}
