package chunkuploader

import (
	"fmt"
	"io"
	"os"
)

// FileWindow reads one byte range of a file at a time.
// The underlying handle stays open across windows; it is owned by a single worker and
// closed by Release when the worker exits.
type FileWindow struct {
	file      *os.File
	size      int64
	bytesLeft int64
}

var _ io.ReadCloser = (*FileWindow)(nil)

// OpenFileWindow opens the file at path. The window is empty until SetWindow is called.
func OpenFileWindow(path string) (*FileWindow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileWindow{file: file}, nil
}

// SetWindow moves the read position to offset and limits subsequent reads to length bytes.
func (w *FileWindow) SetWindow(offset, length int64) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("invalid window: offset %d, length %d", offset, length)
	}

	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to position %d: %w", offset, err)
	}
	w.size = length
	w.bytesLeft = length

	return nil
}

// Size returns the length of the current window.
func (w *FileWindow) Size() int64 {
	return w.size
}

// Read reads from the current window and returns io.EOF once the window is exhausted,
// even if the file continues.
func (w *FileWindow) Read(p []byte) (int, error) {
	if w.bytesLeft <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > w.bytesLeft {
		p = p[:w.bytesLeft]
	}

	n, err := w.file.Read(p)
	w.bytesLeft -= int64(n)
	if err == io.EOF && w.bytesLeft > 0 {
		return n, io.ErrUnexpectedEOF
	}

	return n, err
}

// Close is a no-op so that HTTP clients closing the request body keep the handle usable.
func (w *FileWindow) Close() error {
	return nil
}

// Release closes the underlying file.
func (w *FileWindow) Release() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
