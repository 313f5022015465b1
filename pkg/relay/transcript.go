package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileTranscriptWriter stores each transcript as chat_<id>.txt under Dir.
// A file is never overwritten.
type FileTranscriptWriter struct {
	Dir string
}

func NewFileTranscriptWriter(dir string) *FileTranscriptWriter {
	return &FileTranscriptWriter{Dir: dir}
}

func (w *FileTranscriptWriter) WriteTranscript(chatID int64, content string) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o750); err != nil {
		return "", fmt.Errorf("transcript: create dir: %w", err)
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("chat_%d.txt", chatID))

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("transcript: create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("transcript: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("transcript: close %s: %w", path, err)
	}
	return path, nil
}

func (w *FileTranscriptWriter) RemoveTranscript(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("transcript: remove %s: %w", path, err)
	}
	return nil
}
