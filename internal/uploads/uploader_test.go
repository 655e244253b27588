package uploads

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/suzent/suzent-client/internal/chat"
)

// pngHeader is enough for content sniffing to say image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type fakeRemote struct {
	calls int
	last  string
	err   error
}

func (f *fakeRemote) UploadFile(ctx context.Context, name string, mimeType string, r io.Reader) (chat.FileAttachmentRef, error) {
	f.calls++
	f.last = name
	if f.err != nil {
		return chat.FileAttachmentRef{}, f.err
	}
	data, _ := io.ReadAll(r)
	return chat.FileAttachmentRef{Path: "/files/" + name, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func Test_Uploader_imageBecomesInlinePlaceholder(t *testing.T) {
	t.Parallel()

	data := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 100)...)
	p := writeFile(t, "pic.png", data)

	remote := &fakeRemote{}
	u := NewUploader(remote, nil)
	files, images, err := u.Process(context.Background(), []string{p})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files = %+v, want none", files)
	}
	if remote.calls != 0 {
		t.Fatalf("image must not hit the remote store")
	}
	if len(images) != 1 {
		t.Fatalf("images = %+v", images)
	}
	img := images[0]
	if img.Name != "pic.png" || img.MimeType != "image/png" || !img.Placeholder {
		t.Fatalf("image = %+v", img)
	}
	decoded, err := base64.StdEncoding.DecodeString(img.DataBase64)
	if err != nil || !bytes.Equal(decoded, data) {
		t.Fatalf("payload round trip failed: %v", err)
	}
}

func Test_Uploader_fileGoesToRemoteStore(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "notes.txt", []byte("plain text notes"))
	remote := &fakeRemote{}
	u := NewUploader(remote, nil)

	files, images, err := u.Process(context.Background(), []string{p})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(images) != 0 {
		t.Fatalf("images = %+v, want none", images)
	}
	if len(files) != 1 || remote.calls != 1 {
		t.Fatalf("files = %+v, remote calls = %d", files, remote.calls)
	}
	if files[0].Path != "/files/notes.txt" || files[0].Size != int64(len("plain text notes")) {
		t.Fatalf("ref = %+v", files[0])
	}
}

func Test_Uploader_oversizeImageRejected(t *testing.T) {
	t.Parallel()

	data := append(append([]byte{}, pngHeader...), make([]byte, maxImageBytes)...)
	p := writeFile(t, "huge.png", data)

	u := NewUploader(&fakeRemote{}, nil)
	if _, _, err := u.Process(context.Background(), []string{p}); err == nil {
		t.Fatalf("oversize image should fail the batch")
	}
}

func Test_Uploader_missingPathFailsBatch(t *testing.T) {
	t.Parallel()

	good := writeFile(t, "ok.txt", []byte("fine"))
	remote := &fakeRemote{}
	u := NewUploader(remote, nil)

	_, _, err := u.Process(context.Background(), []string{good, filepath.Join(t.TempDir(), "nope.txt")})
	if err == nil {
		t.Fatalf("missing path should fail the batch")
	}
}

func Test_Uploader_directoryRejected(t *testing.T) {
	t.Parallel()

	u := NewUploader(&fakeRemote{}, nil)
	if _, _, err := u.Process(context.Background(), []string{t.TempDir()}); err == nil {
		t.Fatalf("directory should be rejected")
	}
}

func Test_Uploader_blankPathsSkipped(t *testing.T) {
	t.Parallel()

	u := NewUploader(&fakeRemote{}, nil)
	files, images, err := u.Process(context.Background(), []string{"", "   "})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(files) != 0 || len(images) != 0 {
		t.Fatalf("files=%v images=%v, want none", files, images)
	}
}

func Test_sniffMimeType_extensionFallback(t *testing.T) {
	t.Parallel()

	p := writeFile(t, "data.json", []byte(`{"key": "value"}`))
	mt, err := sniffMimeType(p)
	if err != nil {
		t.Fatalf("sniffMimeType: %v", err)
	}
	if mt != "application/json" {
		t.Fatalf("mime = %q, want application/json", mt)
	}

	p = writeFile(t, "plain.txt", []byte("just text"))
	mt, err = sniffMimeType(p)
	if err != nil {
		t.Fatalf("sniffMimeType: %v", err)
	}
	if mt != "text/plain" {
		t.Fatalf("mime = %q, want text/plain", mt)
	}
}
