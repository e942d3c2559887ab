package transport

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

// File is one attachment to upload. Open is called once per attempt so a
// retried upload starts from the first byte again.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// FileFromPath describes a file on disk.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// FileFromBytes describes an in-memory file.
func FileFromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// Multipart is a form upload: plain fields plus files under FileField.
type Multipart struct {
	Fields    map[string]string
	FileField string
	Files     []File
}

func (m *Multipart) totalBytes() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

func (c *Client) checkUpload(m *Multipart) error {
	if len(m.Files) > c.maxFiles {
		return apperrors.NewValidationError("too many attachments", map[string]any{
			"max_files": c.maxFiles,
			"files":     len(m.Files),
		})
	}
	for _, f := range m.Files {
		if f.Open == nil {
			return apperrors.NewValidationError("attachment has no content", map[string]any{"name": f.Name})
		}
		if f.Size > c.maxBytes {
			return apperrors.NewValidationError("attachment exceeds size limit", map[string]any{
				"name":      f.Name,
				"size":      f.Size,
				"max_bytes": c.maxBytes,
			})
		}
	}
	return nil
}

// stream encodes the form through a pipe so large files are never held
// in memory.
func (m *Multipart) stream(progress func(int)) (io.Reader, string) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	tracker := &progressTracker{total: m.totalBytes(), report: progress}

	go func() {
		err := m.write(form, tracker)
		if err == nil {
			err = form.Close()
		}
		if err == nil {
			tracker.finish()
		}
		pw.CloseWithError(err)
	}()
	return pr, form.FormDataContentType()
}

func (m *Multipart) write(form *multipart.Writer, tracker *progressTracker) error {
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := form.WriteField(k, m.Fields[k]); err != nil {
			return err
		}
	}

	field := m.FileField
	if field == "" {
		field = "attachments"
	}
	for _, f := range m.Files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := form.CreatePart(header)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		_, err = io.Copy(io.MultiWriter(part, tracker), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// progressTracker reports whole-percent progress over the file bytes.
type progressTracker struct {
	mu      sync.Mutex
	total   int64
	written int64
	last    int
	report  func(int)
}

func (p *progressTracker) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written += int64(len(b))
	percent := 100
	if p.total > 0 {
		percent = int(p.written * 100 / p.total)
	}
	if percent > 100 {
		percent = 100
	}
	emit := percent > p.last && percent < 100
	if emit {
		p.last = percent
	}
	p.mu.Unlock()

	if emit && p.report != nil {
		p.report(percent)
	}
	return len(b), nil
}

func (p *progressTracker) finish() {
	p.mu.Lock()
	done := p.last < 100
	p.last = 100
	p.mu.Unlock()
	if done && p.report != nil {
		p.report(100)
	}
}
