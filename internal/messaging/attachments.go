package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/tempfiles"
	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of an upload is inspected to guess its type.
const sniffLen = 3072

// BlobRoute is the service path that serves stored attachments.
const BlobRoute = "/v1/blobs/"

// File is an upload in flight. Size may be zero when unknown.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// ProgressFunc observes upload progress as a percentage from 0 to 100.
type ProgressFunc func(percent int)

// Upload stores file under a path keyed by conversation and message and
// returns the descriptor to embed in a message sent later. It does not
// create or change any message.
func (s *Session) Upload(ctx context.Context, conversationID string, messageID string, file File, progress ProgressFunc) (*model.AttachmentDescriptor, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := visibleConversation(ctx, st, c, conversationID); err != nil {
		return nil, err
	}
	if !safeSegment(messageID) {
		return nil, &registrystore.ValidationError{Field: "messageId", Message: "must be a non-empty path segment"}
	}
	if s.svc.attachments == nil {
		return nil, &registrystore.UploadFailedError{Name: file.Name, Err: errors.New("no attachment store configured")}
	}
	maxSize := s.svc.opts.AttachmentMaxSize
	if file.Size > maxSize {
		return nil, tooLarge(maxSize)
	}

	name := cleanFileName(file.Name)
	body, contentType, err := sniff(file.Body, file.ContentType)
	if err != nil {
		return nil, &registrystore.UploadFailedError{Name: name, Err: err}
	}
	key := s.svc.attachmentKey(conversationID, messageID, name, time.Now())

	reader := newProgressReader(body, file.Size, progress)
	reader.report(0)
	res, err := s.svc.attachments.Store(ctx, key, reader, maxSize, contentType)
	if err != nil {
		var big *tempfiles.ErrTooLarge
		if errors.As(err, &big) {
			return nil, tooLarge(maxSize)
		}
		return nil, &registrystore.UploadFailedError{Name: name, Err: err}
	}
	reader.report(100)

	return &model.AttachmentDescriptor{
		Name: name,
		URL:  s.svc.BlobURL(key),
		Size: res.Size,
		Type: contentType,
	}, nil
}

func tooLarge(maxSize int64) error {
	return &registrystore.ValidationError{Field: "file", Message: fmt.Sprintf("exceeds maximum size of %d bytes", maxSize)}
}

// attachmentKey builds <prefix>/<conversation>/<message>/<unixMillis>_<name>.
func (s *Service) attachmentKey(conversationID, messageID, name string, now time.Time) string {
	return strings.Join([]string{
		strings.Trim(s.opts.AttachmentPathPrefix, "/"),
		conversationID,
		messageID,
		fmt.Sprintf("%d_%s", now.UnixMilli(), name),
	}, "/")
}

// BlobURL is the public download URL of a storage key.
func (s *Service) BlobURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.opts.PublicBaseURL + BlobRoute + strings.Join(parts, "/")
}

// Download is the outcome of OpenBlob: either an open blob or a redirect.
type Download struct {
	Blob     *registryattach.Blob
	Redirect *url.URL
}

// OpenBlob opens a stored attachment for a caller allowed to see the
// conversation it belongs to.
func (s *Session) OpenBlob(ctx context.Context, key string) (*Download, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	notFound := &registrystore.NotFoundError{Resource: "attachment", ID: key}
	prefix := strings.Trim(s.svc.opts.AttachmentPathPrefix, "/") + "/"
	if s.svc.attachments == nil || !registryattach.ValidKey(key) || !strings.HasPrefix(key, prefix) {
		return nil, notFound
	}
	conversationID, _, _ := strings.Cut(strings.TrimPrefix(key, prefix), "/")
	st, err := s.svc.store(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := visibleConversation(ctx, st, c, conversationID); err != nil {
		return nil, notFound
	}

	if s.svc.opts.DirectDownload {
		signed, err := s.svc.attachments.GetSignedURL(ctx, key, s.svc.opts.DownloadURLExpiry)
		if err == nil {
			return &Download{Redirect: signed}, nil
		}
		if !errors.Is(err, registryattach.ErrSignedURLUnsupported) {
			return nil, err
		}
	}
	blob, err := s.svc.attachments.Retrieve(ctx, key)
	if errors.Is(err, registryattach.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	return &Download{Blob: blob}, nil
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// sniff fills in a missing or generic content type from the first bytes of r.
func sniff(r io.Reader, contentType string) (io.Reader, string, error) {
	contentType = strings.TrimSpace(contentType)
	if contentType != "" && contentType != "application/octet-stream" {
		return r, contentType, nil
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, "", err
	}
	head = head[:n]
	return io.MultiReader(bytes.NewReader(head), r), mimetype.Detect(head).String(), nil
}

// progressReader reports each whole-percent step of a read with a known total.
type progressReader struct {
	r     io.Reader
	total int64
	fn    ProgressFunc

	mu   sync.Mutex
	read int64
	last int
}

func newProgressReader(r io.Reader, total int64, fn ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, fn: fn, last: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.mu.Lock()
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		p.mu.Unlock()
		if pct > 99 {
			// 100 is reported once the store confirms the write.
			pct = 99
		}
		p.report(pct)
	}
	return n, err
}

func (p *progressReader) report(pct int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()
	p.fn(pct)
}
