package network

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/hashicorp/go-retryablehttp"
)

// FilePart is one file of a whole-file submission.
type FilePart struct {
	FileName    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// ProgressFunc receives the number of file bytes handed to the connection so far.
type ProgressFunc func(written, total int64)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileHeader(fieldName, fileName, contentType string) textproto.MIMEHeader {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(fieldName), quoteEscaper.Replace(fileName)))
	h.Set("Content-Type", contentType)
	return h
}

// streamingBody returns a replayable multipart body that streams the parts from their sources.
// Every invocation of the returned func starts a fresh pass over the parts.
func streamingBody(fieldName string, parts []FilePart, fields map[string]string, onProgress ProgressFunc) (retryablehttp.ReaderFunc, string) {
	boundary := multipart.NewWriter(io.Discard).Boundary()

	var total int64
	for _, p := range parts {
		total += p.Size
	}

	body := func() (io.Reader, error) {
		pr, pw := io.Pipe()
		go func() {
			progress := &progressWriter{total: total, onProgress: onProgress}
			pw.CloseWithError(writeMultipart(pw, boundary, fieldName, parts, fields, progress))
		}()
		return pr, nil
	}

	return body, "multipart/form-data; boundary=" + boundary
}

func writeMultipart(w io.Writer, boundary, fieldName string, parts []FilePart, fields map[string]string, progress *progressWriter) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}

	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return err
		}
	}

	for _, p := range parts {
		if err := writeFilePart(mw, fieldName, p, progress); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeFilePart(mw *multipart.Writer, fieldName string, p FilePart, progress *progressWriter) error {
	pw, err := mw.CreatePart(fileHeader(fieldName, p.FileName, p.ContentType))
	if err != nil {
		return err
	}

	src, err := p.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", p.FileName, err)
	}
	defer func() {
		_ = src.Close()
	}()

	progress.w = pw
	if _, err := io.Copy(progress, src); err != nil {
		return fmt.Errorf("write %s: %w", p.FileName, err)
	}
	return nil
}

// progressWriter counts bytes only after the underlying writer accepted them.
type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	onProgress ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.written += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.written, p.total)
		}
	}
	return n, err
}

func chunkBody(chunk transfer.Chunk) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{transfer.FieldFileID, chunk.TransferID},
		{transfer.FieldIndex, strconv.Itoa(chunk.Index)},
		{transfer.FieldTotal, strconv.Itoa(chunk.Total)},
	}
	if chunk.ContentType != "" {
		fields = append(fields, [2]string{transfer.FieldContentType, chunk.ContentType})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	pw, err := mw.CreatePart(fileHeader(transfer.FieldChunk, chunk.FileName(), "application/octet-stream"))
	if err != nil {
		return nil, "", err
	}
	if _, err := pw.Write(chunk.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}
