// Package files talks to the backend's upload collaborator endpoints.
package files

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	uploadPath = "/upload"
	deletePath = "/delete-file"
	// FilesField is the multipart field carrying uploaded files.
	FilesField = "files"
	// KeyField is the form field naming the file to delete.
	KeyField = "file_key"
)

// UploadResponse is the body returned by POST /upload.
type UploadResponse struct {
	Status   string            `json:"status"`
	Uploaded []string          `json:"uploaded"`
	FileMap  map[string]string `json:"file_map"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
}

type Client struct {
	base *url.URL
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("base url must be http or https, got %q", baseURL)
	}
	c := &Client{base: u, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(p string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	return u.String()
}

// Upload sends the files at paths in one request and returns key -> original name.
func (c *Client) Upload(ctx context.Context, paths ...string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("upload: no files")
	}
	parts := make([]part, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeParts(parts)
			return nil, errors.Wrapf(err, "open %s", p)
		}
		parts = append(parts, part{name: filepath.Base(p), r: f, closer: f})
	}
	defer closeParts(parts)
	return c.upload(ctx, parts)
}

// UploadReader uploads a single in-memory file.
func (c *Client) UploadReader(ctx context.Context, name string, r io.Reader) (map[string]string, error) {
	return c.upload(ctx, []part{{name: name, r: r}})
}

type part struct {
	name   string
	r      io.Reader
	closer io.Closer
}

func closeParts(parts []part) {
	for _, p := range parts {
		if p.closer != nil {
			_ = p.closer.Close()
		}
	}
}

func (c *Client) upload(ctx context.Context, parts []part) (map[string]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		w, err := mw.CreateFormFile(FilesField, p.name)
		if err != nil {
			return nil, errors.Wrap(err, "create form file")
		}
		if _, err := io.Copy(w, p.r); err != nil {
			return nil, errors.Wrapf(err, "copy %s", p.name)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(uploadPath), &body)
	if err != nil {
		return nil, errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "upload")
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus("upload", resp); err != nil {
		return nil, err
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode upload response")
	}
	log.Debug().Str("component", "files").Int("count", len(out.FileMap)).Msg("uploaded files")
	if out.FileMap == nil {
		out.FileMap = map[string]string{}
	}
	return out.FileMap, nil
}

// Delete removes an uploaded file by key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("delete: empty key")
	}
	form := url.Values{KeyField: {key}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(deletePath), strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build delete request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus("delete", resp)
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: body.Error}
}
