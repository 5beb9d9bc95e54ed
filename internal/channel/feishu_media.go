package channel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"feishubot/internal/metrics"
)

// Size limits enforced by the Feishu platform. Checked locally before any
// network call so oversized media fails fast.
const (
	maxImageBytes = 10 << 20 // 10 MiB
	maxFileBytes  = 30 << 20 // 30 MiB
)

// mimeExtensions maps a declared MIME type to a file extension, used when the
// platform does not hand us a filename.
var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/ogg":       ".ogg",
	"audio/opus":      ".opus",
	"audio/aac":       ".aac",
	"audio/mp4":       ".m4a",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// kindExtensions is the last-resort fallback keyed on the message type.
var kindExtensions = map[string]string{
	"image": ".jpg",
	"audio": ".mp3",
	"media": ".mp4",
	"video": ".mp4",
	"file":  ".bin",
}

// imageExtensions are the extensions routed through the image upload API.
// Everything else goes through the file upload API.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// fileTypeByExtension maps an extension to the file_type value the upload
// API expects. Anything not listed uploads as the generic "file" type.
var fileTypeByExtension = map[string]string{
	".opus": "opus",
	".mp4":  "mp4",
	".pdf":  "pdf",
	".doc":  "doc",
	".docx": "doc",
	".xls":  "xls",
	".xlsx": "xls",
}

// unsupportedContainers are audio/video formats the platform will not play
// inline. They still upload, but as plain files.
var unsupportedContainers = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".wav":  true,
	".flac": true,
	".aac":  true,
	".webm": true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
}

// resolveExtension picks an extension for a downloaded resource: the
// filename's own extension wins, then the declared MIME type, then the
// message kind, then ".bin". Never returns empty.
func resolveExtension(msgType, mimeType, fileName string) string {
	if fileName != "" {
		if ext := filepath.Ext(fileName); ext != "" {
			return ext
		}
	}
	if mimeType != "" {
		if ext, ok := mimeExtensions[strings.ToLower(mimeType)]; ok {
			return ext
		}
	}
	if ext, ok := kindExtensions[msgType]; ok {
		return ext
	}
	return ".bin"
}

// uploadCategory classifies a local path as "image" or "file" by extension.
func uploadCategory(path string) string {
	if imageExtensions[strings.ToLower(filepath.Ext(path))] {
		return "image"
	}
	return "file"
}

// sanitizeFileName keeps only letters, digits, '.', '_', and '-', then strips
// leading dots. Path separators and traversal sequences cannot survive, so
// the result always stays inside the directory it is joined to.
func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '.' || r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// downloadResource fetches a message attachment and writes it under the
// media directory. The stored name is the sanitized platform filename when
// one is provided, otherwise a prefix of the file key plus a resolved
// extension. Name collisions overwrite the previous file.
func (f *Feishu) downloadResource(ctx context.Context, fileKey, msgType, messageID string) (string, error) {
	metrics.Downloads.Inc()

	// The resource endpoint only distinguishes images from everything else.
	resourceType := "file"
	if msgType == "image" {
		resourceType = "image"
	}

	payload, err := f.api.GetMessageResource(ctx, messageID, fileKey, resourceType)
	if err != nil {
		metrics.DownloadErrors.Inc()
		return "", err
	}
	if len(payload.data) == 0 {
		metrics.DownloadErrors.Inc()
		return "", fmt.Errorf("empty resource payload for file key %s", fileKey)
	}

	if err := os.MkdirAll(f.mediaDir, 0o755); err != nil {
		metrics.DownloadErrors.Inc()
		return "", fmt.Errorf("cannot create media directory: %w", err)
	}

	name := sanitizeFileName(payload.fileName)
	if name == "" {
		key := fileKey
		if len(key) > 16 {
			key = key[:16]
		}
		name = key + resolveExtension(msgType, payload.mimeType, payload.fileName)
	}

	path := filepath.Join(f.mediaDir, name)
	if err := os.WriteFile(path, payload.data, 0o644); err != nil {
		metrics.DownloadErrors.Inc()
		return "", fmt.Errorf("cannot write media file: %w", err)
	}

	f.logger.Debug("downloaded media resource",
		"file_key", fileKey, "msg_type", msgType, "path", path, "bytes", len(payload.data))
	return path, nil
}

// uploadMedia sends a local file to the platform and returns the resulting
// media key plus the category ("image" or "file") that decides the outbound
// message type. Existence, non-emptiness, and size limits are checked before
// touching the network.
func (f *Feishu) uploadMedia(ctx context.Context, path string) (string, string, error) {
	metrics.Uploads.Inc()

	info, err := os.Stat(path)
	if err != nil {
		metrics.UploadErrors.Inc()
		return "", "", fmt.Errorf("media file not accessible: %w", err)
	}
	if info.Size() == 0 {
		metrics.UploadErrors.Inc()
		return "", "", fmt.Errorf("media file is empty: %s", path)
	}

	category := uploadCategory(path)
	switch category {
	case "image":
		if info.Size() > maxImageBytes {
			metrics.UploadErrors.Inc()
			return "", "", fmt.Errorf("image exceeds 10MB limit (%d bytes): %s", info.Size(), path)
		}
	default:
		if info.Size() > maxFileBytes {
			metrics.UploadErrors.Inc()
			return "", "", fmt.Errorf("file exceeds 30MB limit (%d bytes): %s", info.Size(), path)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		metrics.UploadErrors.Inc()
		return "", "", fmt.Errorf("cannot read media file: %w", err)
	}

	if category == "image" {
		if format := detectImageFormat(data); format != "" {
			f.logger.Debug("uploading image", "path", path, "format", format)
		} else {
			f.logger.Warn("uploading image with unrecognized signature", "path", path)
		}
		key, err := f.api.CreateImage(ctx, filepath.Base(path), data)
		if err != nil {
			metrics.UploadErrors.Inc()
			return "", "", err
		}
		return key, "image", nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	fileType, ok := fileTypeByExtension[ext]
	if !ok {
		fileType = "file"
	}
	if unsupportedContainers[ext] {
		f.logger.Warn("container not playable inline, uploading as plain file", "path", path, "ext", ext)
		fileType = "file"
	}

	key, err := f.api.CreateFile(ctx, fileType, filepath.Base(path), data)
	if err != nil {
		metrics.UploadErrors.Inc()
		return "", "", err
	}
	return key, "file", nil
}

// detectImageFormat sniffs the leading magic bytes of common image formats.
// Returns "" when the signature is unknown.
func detectImageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "JPEG"
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return "PNG"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "GIF"
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		return "WEBP"
	case bytes.HasPrefix(data, []byte("BM")):
		return "BMP"
	}
	return ""
}
