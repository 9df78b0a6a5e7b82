package storage

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func newAttachments(t *testing.T, max int64) *Attachments {
	t.Helper()
	root := t.TempDir()
	a, err := New(filepath.Join(root, "uploads"), filepath.Join(root, "uploads", "tmp"), max)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// fileHeader builds a real multipart.FileHeader the way gin receives one.
func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(content)
	w.Close()

	req := httptest.NewRequest("POST", "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("parse multipart: %v", err)
	}
	return req.MultipartForm.File["file"][0]
}

func TestStage_SniffsTypeAndKeepsOriginalName(t *testing.T) {
	a := newAttachments(t, 1<<20)

	st, err := a.Stage(fileHeader(t, "../../cat.PNG", pngHeader))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if st.MIMEType != "image/png" {
		t.Fatalf("MIMEType = %q", st.MIMEType)
	}
	if st.OriginalName != "cat.PNG" {
		t.Fatalf("OriginalName should be the base name, got %q", st.OriginalName)
	}
	if !strings.HasSuffix(st.FileName, ".png") || filepath.Dir(st.TempPath) != a.TmpDir {
		t.Fatalf("staged name/path unexpected: %+v", st)
	}
	if st.Size != int64(len(pngHeader)) {
		t.Fatalf("Size = %d", st.Size)
	}
}

func TestStage_TooLarge(t *testing.T) {
	a := newAttachments(t, 4)
	if _, err := a.Stage(fileHeader(t, "a.txt", []byte("hello world"))); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := a.StageReader("a.txt", strings.NewReader("hello world")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge from reader, got %v", err)
	}
	left, _ := os.ReadDir(a.TmpDir)
	if len(left) != 0 {
		t.Fatalf("oversized uploads must not leave files behind, found %d", len(left))
	}
}

func TestPlace_MovesIntoChatDir(t *testing.T) {
	a := newAttachments(t, 1<<20)
	st, err := a.StageReader("notes.txt", strings.NewReader("some notes"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	tmp := st.TempPath

	path, err := a.Place("01HZXCHAT", st)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if path != filepath.Join(a.Root, "01HZXCHAT", st.FileName) {
		t.Fatalf("placed path = %q", path)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("staged file should be gone, stat err=%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "some notes" {
		t.Fatalf("placed content = %q, %v", data, err)
	}
	if st.MIMEType != "text/plain; charset=utf-8" {
		t.Fatalf("MIMEType = %q", st.MIMEType)
	}
}

func TestPlace_RejectsTraversalChatID(t *testing.T) {
	a := newAttachments(t, 1<<20)
	st, _ := a.StageReader("x.txt", strings.NewReader("x"))
	for _, id := range []string{"", "..", "../evil", "a/b"} {
		if _, err := a.Place(id, st); err == nil {
			t.Fatalf("chat id %q should be rejected", id)
		}
	}
}

func TestDiscardRemoveAndRemoveChat(t *testing.T) {
	a := newAttachments(t, 1<<20)

	st, _ := a.StageReader("x.txt", strings.NewReader("x"))
	if err := a.Discard(st); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := a.Discard(st); err != nil {
		t.Fatalf("second Discard should tolerate missing file: %v", err)
	}
	if err := a.Discard(nil); err != nil {
		t.Fatalf("Discard(nil): %v", err)
	}

	st2, _ := a.StageReader("y.txt", strings.NewReader("y"))
	p, err := a.Place("c1", st2)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := a.RemoveChat("c1"); err != nil {
		t.Fatalf("RemoveChat: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("chat dir should be removed")
	}
	if err := a.RemoveChat("c1"); err != nil {
		t.Fatalf("RemoveChat on missing dir: %v", err)
	}
}

func TestSafeExt(t *testing.T) {
	cases := map[string]string{
		"a.PDF":               ".pdf",
		"noext":               "",
		"weird.p$p":           "",
		"x.verylongextension": "",
		"dir/../b.tar.gz":     ".gz",
	}
	for in, want := range cases {
		if got := safeExt(in); got != want {
			t.Fatalf("safeExt(%q) = %q; want %q", in, got, want)
		}
	}
}
