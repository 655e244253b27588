// Package uploads prepares local attachments for a turn: images become
// inline base64 payloads, everything else is pushed to the backend file
// store and referenced by path.
package uploads

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/suzent/suzent-client/internal/chat"
)

const (
	// maxImageBytes matches the backend's inline image cap.
	maxImageBytes = 4 << 20
	maxFileBytes  = 10 << 20

	sniffLen = 512
)

// RemoteStore pushes one file to the backend and returns its stable
// reference. *api.Client satisfies this.
type RemoteStore interface {
	UploadFile(ctx context.Context, name string, mimeType string, r io.Reader) (chat.FileAttachmentRef, error)
}

type Uploader struct {
	remote RemoteStore
	log    *slog.Logger
}

func NewUploader(remote RemoteStore, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{remote: remote, log: log}
}

// Process resolves every path into either an inline image or a remote file
// ref. One bad path fails the whole batch; the turn has not started yet, so
// failing here is cheap.
func (u *Uploader) Process(ctx context.Context, paths []string) ([]chat.FileAttachmentRef, []chat.ImageRef, error) {
	if u == nil {
		return nil, nil, errors.New("nil uploader")
	}
	var files []chat.FileAttachmentRef
	var images []chat.ImageRef
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, nil, fmt.Errorf("attachment %s: is a directory", p)
		}

		mimeType, err := sniffMimeType(p)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
		}
		name := filepath.Base(p)

		if strings.HasPrefix(mimeType, "image/") {
			if info.Size() > maxImageBytes {
				return nil, nil, fmt.Errorf("attachment %s: image exceeds %d bytes", p, maxImageBytes)
			}
			img, err := inlineImage(p, name, mimeType)
			if err != nil {
				return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
			}
			images = append(images, img)
			continue
		}

		if info.Size() > maxFileBytes {
			return nil, nil, fmt.Errorf("attachment %s: file exceeds %d bytes", p, maxFileBytes)
		}
		if u.remote == nil {
			return nil, nil, fmt.Errorf("attachment %s: no remote store configured", p)
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
		}
		ref, err := u.remote.UploadFile(ctx, name, mimeType, f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("attachment %s: %w", p, err)
		}
		if ref.Size == 0 {
			ref.Size = info.Size()
		}
		if strings.TrimSpace(ref.Name) == "" {
			ref.Name = name
		}
		if strings.TrimSpace(ref.MimeType) == "" {
			ref.MimeType = mimeType
		}
		u.log.Debug("uploaded attachment", "name", name, "path", ref.Path, "size", ref.Size)
		files = append(files, ref)
	}
	return files, images, nil
}

// sniffMimeType detects content type from the first 512 bytes, with an
// extension fallback for text formats the sniffer reports as text/plain.
func sniffMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	detected := http.DetectContentType(buf[:n])
	if i := strings.Index(detected, ";"); i >= 0 {
		detected = detected[:i]
	}
	if detected == "text/plain" || detected == "application/octet-stream" {
		if byExt := mimeByExtension(path); byExt != "" {
			return byExt, nil
		}
	}
	return detected, nil
}

func mimeByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".pdf":
		return "application/pdf"
	default:
		return ""
	}
}

func inlineImage(path string, name string, mimeType string) (chat.ImageRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.ImageRef{}, err
	}
	return chat.ImageRef{
		Name:        name,
		MimeType:    mimeType,
		DataBase64:  base64.StdEncoding.EncodeToString(data),
		Placeholder: true,
	}, nil
}
