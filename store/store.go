// Package store provides the HTTP binding to the object store holding file
// assets referenced by catalog rows. The pipeline consumes it through
// GET/PUT/HEAD by URL.
package store

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/internal/httpclient"
)

// ObjectInfo describes a stored object as reported by the server.
type ObjectInfo struct {
	Length      int64
	ContentType string
	// Filename from Content-Disposition, empty when the server sent none.
	Filename string
	// MD5 and SHA256 are hex-encoded digests decoded from the Content-MD5 /
	// Content-SHA256 response headers, empty when absent.
	MD5    string
	SHA256 string
}

// Store binds to an object store rooted at serverURL.
type Store struct {
	serverURL string
	client    *http.Client
	token     string
	log       *zap.SugaredLogger
}

// New returns a store binding. Relative object URLs ("/hatrac/...") are
// resolved against serverURL.
func New(serverURL, token string, log *zap.SugaredLogger) *Store {
	return &Store{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    httpclient.Default(),
		token:     token,
		log:       log.Named("store"),
	}
}

// ResolveURL turns a possibly relative object reference into an absolute URL.
func (s *Store) ResolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "" && u.Host != "") {
		return ref
	}
	return s.serverURL + ref
}

// Head probes object metadata without transferring the body.
func (s *Store) Head(ctx context.Context, ref string) (*ObjectInfo, error) {
	rawURL := s.ResolveURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.setAuth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "HEAD %s failed", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusError(resp)
	}
	return infoFromHeaders(resp.Header), nil
}

// GetToFile streams the object to destPath, creating parent directories as
// needed, and returns the object metadata. The transfer fails if the number
// of bytes received disagrees with the advertised Content-Length.
func (s *Store) GetToFile(ctx context.Context, ref, destPath string) (*ObjectInfo, error) {
	rawURL := s.ResolveURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.setAuth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s failed", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "writing %s", destPath)
	}

	info := infoFromHeaders(resp.Header)
	if info.Length >= 0 && written != info.Length {
		return nil, errors.Newf("transfer of %s truncated: got %d bytes, expected %d",
			rawURL, written, info.Length)
	}
	info.Length = written
	s.log.Debugw("object transferred", "url", rawURL, "file", destPath, "size", written)
	return info, nil
}

// Put uploads the content of r to the object URL.
func (s *Store) Put(ctx context.Context, ref string, r io.Reader, length int64, contentType string) error {
	rawURL := s.ResolveURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, r)
	if err != nil {
		return errors.WithStack(err)
	}
	if length >= 0 {
		req.ContentLength = length
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	s.setAuth(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "PUT %s failed", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	return nil
}

func (s *Store) setAuth(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func statusError(resp *http.Response) error {
	err := errors.Newf("%s %s returned %d", resp.Request.Method, resp.Request.URL, resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errors.Mark(err, errors.ErrAuthentication)
	case http.StatusForbidden:
		return errors.Mark(err, errors.ErrAuthorization)
	}
	return err
}

func infoFromHeaders(h http.Header) *ObjectInfo {
	info := &ObjectInfo{Length: -1, ContentType: h.Get("Content-Type")}
	if cl := h.Get("Content-Length"); cl != "" {
		fmt.Sscanf(cl, "%d", &info.Length)
	}
	info.Filename = FilenameFromContentDisposition(h.Get("Content-Disposition"))
	info.MD5 = base64ToHex(h.Get("Content-MD5"))
	info.SHA256 = base64ToHex(h.Get("Content-SHA256"))
	return info
}

// FilenameFromContentDisposition extracts the filename parameter from a
// Content-Disposition header, returning "" when the header is absent or
// carries no usable filename.
func FilenameFromContentDisposition(value string) string {
	if value == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	// Guard against path traversal in server-supplied names.
	return path.Base(strings.ReplaceAll(name, "\\", "/"))
}

// base64ToHex converts a base64-encoded digest header value to lowercase hex.
// Object stores commonly advertise checksums base64-encoded while manifests
// record them as hex.
func base64ToHex(value string) string {
	if value == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}
