package redfish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
)

const (
	// UpdateParametersPart is the multipart field carrying the JSON parameters.
	UpdateParametersPart = "UpdateParameters"
	// UpdateFilePart is the multipart field carrying the binary image.
	UpdateFilePart = "UpdateFile"
)

// MultipartUpload sends a two-part multipart request: a JSON parameters part
// followed by the binary content. The content is streamed through a pipe and
// is never buffered in memory as a whole.
func (c *Client) MultipartUpload(
	ctx context.Context,
	path string,
	params any,
	filename string,
	content io.Reader,
) (Submission, error) {
	op := http.MethodPost + " " + path
	if content == nil {
		return Submission{}, NewError(ErrInvalidRequest, op, 0, "upload content is required", nil)
	}

	encodedParams, err := json.Marshal(params)
	if err != nil {
		return Submission{}, NewError(ErrInvalidRequest, op, 0, "", fmt.Errorf("encoding update parameters: %w", err))
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	writeErr := make(chan error, 1)

	go func() {
		err := writeMultipart(writer, encodedParams, filename, content)
		_ = pw.CloseWithError(err)
		writeErr <- err
	}()

	resp, doErr := c.do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        pr,
		ContentType: writer.FormDataContentType(),
		Unbounded:   true,
	})
	// The HTTP client closes the request body, which unblocks the writer.
	_ = pr.Close()
	streamErr := <-writeErr

	if doErr != nil {
		return Submission{}, doErr
	}
	if streamErr != nil && !errors.Is(streamErr, io.ErrClosedPipe) {
		return Submission{}, NewError(ErrInvalidRequest, op, 0, "", fmt.Errorf("streaming upload content: %w", streamErr))
	}

	c.log.Info().Str("path", path).Str("filename", filename).Int("status", resp.StatusCode).Msg("multipart upload accepted")
	return submissionFromResponse(op, resp)
}

func writeMultipart(writer *multipart.Writer, params []byte, filename string, content io.Reader) error {
	paramsHeader := textproto.MIMEHeader{}
	paramsHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, UpdateParametersPart))
	paramsHeader.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(paramsHeader)
	if err != nil {
		return err
	}
	if _, err := part.Write(params); err != nil {
		return err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, UpdateFilePart, escapeQuotes(filename)))
	fileHeader.Set("Content-Type", "application/octet-stream")
	part, err = writer.CreatePart(fileHeader)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return writer.Close()
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// UploadFile streams a local file through MultipartUpload. The file is closed
// before the call returns, so no handle is held while the job is polled.
func (c *Client) UploadFile(ctx context.Context, path string, params any, localPath string) (Submission, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return Submission{}, NewError(ErrInvalidRequest, http.MethodPost+" "+path, 0, "", fmt.Errorf("opening %s: %w", localPath, err))
	}
	defer file.Close()

	return c.MultipartUpload(ctx, path, params, filepath.Base(localPath), file)
}

// Download streams the response body at path to localFile. The data lands in a
// temporary file in the same directory which is renamed into place on success.
func (c *Client) Download(ctx context.Context, path, localFile string) (int64, error) {
	op := http.MethodGet + " " + path
	if strings.TrimSpace(localFile) == "" {
		return 0, NewError(ErrInvalidRequest, op, 0, "local file path is required", nil)
	}

	resp, err := c.do(ctx, Request{
		Method:  http.MethodGet,
		Path:    path,
		Stream:  true,
		Headers: map[string]string{"Accept": "*/*"},
	})
	if err != nil {
		return 0, err
	}
	defer resp.Stream.Close()

	dir := filepath.Dir(localFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating download directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(localFile)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("creating temporary download file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	written, err := io.Copy(tmpFile, resp.Stream)
	if err != nil {
		if ctx.Err() != nil {
			return written, NewError(ErrCancelled, op, 0, "", ctx.Err())
		}
		return written, NewError(ErrTransientNetwork, op, 0, "", fmt.Errorf("reading download body: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		return written, fmt.Errorf("closing temporary download file: %w", err)
	}
	if err := os.Rename(tmpName, localFile); err != nil {
		return written, fmt.Errorf("moving download into place: %w", err)
	}

	c.log.Info().Str("path", path).Str("file", localFile).Int64("bytes", written).Msg("download complete")
	return written, nil
}
