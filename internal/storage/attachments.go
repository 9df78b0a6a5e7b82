// Package storage keeps message attachments on the local filesystem. Uploads
// are first staged in a temporary directory, then moved into a directory
// named after the chat once the chat id is known.
package storage

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrTooLarge is returned by Stage when an upload exceeds MaxBytes.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// Staged describes an upload waiting in the temporary directory.
type Staged struct {
	TempPath     string // absolute or Root-relative path in TmpDir
	FileName     string // generated on-disk name, unique per upload
	OriginalName string // client-supplied name, for display only
	MIMEType     string // sniffed from content
	Size         int64
}

// Attachments stages and places attachment files.
type Attachments struct {
	Root     string // chat directories live here
	TmpDir   string
	MaxBytes int64
}

// New creates the root and temporary directories if needed.
func New(root, tmpDir string, maxBytes int64) (*Attachments, error) {
	for _, d := range []string{root, tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", d, err)
		}
	}
	return &Attachments{Root: root, TmpDir: tmpDir, MaxBytes: maxBytes}, nil
}

// Stage copies an uploaded part into TmpDir under a generated name and
// sniffs its MIME type.
func (a *Attachments) Stage(fh *multipart.FileHeader) (*Staged, error) {
	if a.MaxBytes > 0 && fh.Size > a.MaxBytes {
		return nil, ErrTooLarge
	}
	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("storage: open upload: %w", err)
	}
	defer src.Close()
	return a.StageReader(fh.Filename, src)
}

// StageReader stages the content of r under the given display name.
func (a *Attachments) StageReader(originalName string, r io.Reader) (*Staged, error) {
	if err := os.MkdirAll(a.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create tmp dir: %w", err)
	}
	name := uuid.NewString() + safeExt(originalName)
	dst := filepath.Join(a.TmpDir, name)

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create staged file: %w", err)
	}

	limit := a.MaxBytes
	if limit <= 0 {
		limit = 1<<63 - 1
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(dst)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("storage: write staged file: %w", err)
	}

	mt, err := mimetype.DetectFile(dst)
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("storage: detect type: %w", err)
	}

	return &Staged{
		TempPath:     dst,
		FileName:     name,
		OriginalName: filepath.Base(originalName),
		MIMEType:     mt.String(),
		Size:         n,
	}, nil
}

// Place moves a staged file into the chat's directory, creating it on first
// use, and returns the final path.
func (a *Attachments) Place(chatID string, st *Staged) (string, error) {
	if st == nil {
		return "", errors.New("storage: nothing staged")
	}
	dir, err := a.chatDir(chatID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create chat dir: %w", err)
	}
	dst := filepath.Join(dir, st.FileName)
	if st.TempPath == dst {
		return dst, nil
	}
	if err := os.Rename(st.TempPath, dst); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		if cerr := copyFile(st.TempPath, dst); cerr != nil {
			return "", fmt.Errorf("storage: move %s: %w", st.FileName, errors.Join(err, cerr))
		}
		_ = os.Remove(st.TempPath)
	}
	st.TempPath = dst
	return dst, nil
}

// Discard deletes a staged file that will not be placed.
func (a *Attachments) Discard(st *Staged) error {
	if st == nil {
		return nil
	}
	return a.Remove(st.TempPath)
}

// Remove deletes a file; a missing file is not an error.
func (a *Attachments) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveChat deletes a chat's attachment directory.
func (a *Attachments) RemoveChat(chatID string) error {
	dir, err := a.chatDir(chatID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (a *Attachments) chatDir(chatID string) (string, error) {
	if chatID == "" || chatID != filepath.Base(chatID) || strings.HasPrefix(chatID, ".") {
		return "", fmt.Errorf("storage: invalid chat id %q", chatID)
	}
	return filepath.Join(a.Root, chatID), nil
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 16 {
		return ""
	}
	for _, r := range ext[min(1, len(ext)):] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
