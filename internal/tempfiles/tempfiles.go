package tempfiles

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrTooLarge is returned by Spool when the source exceeds its limit.
type ErrTooLarge struct {
	Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("file exceeds maximum size of %d bytes", e.Limit)
}

// Create makes a temp file in the provided directory, creating the directory if needed.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// Spooled is a fully buffered upload, rewound and ready to read.
type Spooled struct {
	File   *os.File
	Size   int64
	SHA256 string
}

// Close closes and removes the spool file.
func (s *Spooled) Close() error {
	return NewDeleteOnClose(s.File).Close()
}

// Spool copies r into a temp file in dir while hashing it. Sources longer
// than maxSize bytes fail with *ErrTooLarge; maxSize <= 0 means no limit.
func Spool(dir string, pattern string, r io.Reader, maxSize int64) (*Spooled, error) {
	f, err := Create(dir, pattern)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Spooled, error) {
		_ = NewDeleteOnClose(f).Close()
		return nil, err
	}

	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), src)
	if err != nil {
		return fail(fmt.Errorf("spool upload: %w", err))
	}
	if maxSize > 0 && n > maxSize {
		return fail(&ErrTooLarge{Limit: maxSize})
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind spool file: %w", err))
	}
	return &Spooled{File: f, Size: n, SHA256: fmt.Sprintf("%x", hasher.Sum(nil))}, nil
}

// NewDeleteOnClose wraps an open file and removes it when the reader is closed.
func NewDeleteOnClose(file *os.File) io.ReadCloser {
	return &deleteOnCloseReadCloser{
		file: file,
		path: file.Name(),
	}
}

type deleteOnCloseReadCloser struct {
	file *os.File
	path string
	once sync.Once
}

func (d *deleteOnCloseReadCloser) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

func (d *deleteOnCloseReadCloser) Close() error {
	var closeErr error
	var removeErr error
	d.once.Do(func() {
		closeErr = d.file.Close()
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			removeErr = err
		}
	})
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}
