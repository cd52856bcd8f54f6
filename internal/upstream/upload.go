package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
)

// Upload is a document forwarded to the provider's files/upload endpoint.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
	User        string
}

// UploadedFile is the provider's description of a stored upload.
type UploadedFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	CreatedBy string `json:"created_by"`
	CreatedAt int64  `json:"created_at"`
}

var supportedExtensions = map[string]struct{}{
	".xlsx": {}, ".xls": {}, ".pdf": {}, ".txt": {}, ".csv": {},
	".doc": {}, ".docx": {}, ".ppt": {}, ".pptx": {},
}

var supportedContentTypes = map[string]struct{}{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {},
	"application/vnd.ms-excel":                                                  {},
	"application/pdf":                                                           {},
	"text/plain":                                                                {},
	"text/csv":                                                                  {},
	"application/msword":                                                        {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {},
	"application/vnd.ms-powerpoint":                                             {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
}

// ErrUnsupportedFile is returned for documents the provider cannot ingest.
var ErrUnsupportedFile = errors.New("unsupported file type")

// SupportedUpload reports whether the file is a spreadsheet, PDF, text, Word
// or PowerPoint document, by content type or by extension.
func SupportedUpload(fileName, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if _, ok := supportedContentTypes[ct]; ok {
		return true
	}
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(fileName))]
	return ok
}

// UploadFile sends a document to the provider, retrying transient failures.
func (c *Client) UploadFile(ctx context.Context, up Upload) (UploadedFile, error) {
	if strings.TrimSpace(up.User) == "" {
		return UploadedFile{}, errors.New("upload requires user")
	}
	if !SupportedUpload(up.FileName, up.ContentType) {
		return UploadedFile{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, up.FileName)
	}
	var out UploadedFile
	err := c.retry.Do(ctx, func(attempt int) error {
		c.observeAttempt("upload")
		body, contentType, err := encodeUpload(up)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		defer resp.Body.Close()
		var decoded UploadedFile
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode upload response: %w", err)
		}
		out = decoded
		return nil
	}, c.logRetry("files/upload"))
	return out, err
}

func encodeUpload(up Upload) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(up.FileName)))
	ct := up.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	header.Set("Content-Type", ct)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(up.Data); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("user", up.User); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}
