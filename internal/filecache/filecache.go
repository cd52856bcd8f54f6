// Package filecache downloads provider-generated files into a shared local
// directory, at most once per derived path.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/store"
)

// DefaultPathPrefix is the provider path under which generated files live.
const DefaultPathPrefix = "/files/tools/"

const partialSuffix = ".part"

// ErrInvalidPath is returned when no safe local name can be derived.
var ErrInvalidPath = errors.New("cannot derive local file path")

// FileRecorder persists a downloaded file's metadata.
type FileRecorder interface {
	InsertStoredFile(ctx context.Context, f store.StoredFile) (bool, error)
}

// Recorder observes cache activity.
type Recorder interface {
	FileCacheHit()
	FileDownloaded(size int64)
	FileDownloadFailed()
	PartialsSwept(n int)
}

// Config configures a Cache.
type Config struct {
	Dir string
	// BaseURL resolves relative file URLs.
	BaseURL    string
	PathPrefix string
	HTTPClient *http.Client
	// Timeout bounds a single download. Zero means 5 minutes.
	Timeout  time.Duration
	Records  FileRecorder
	Logger   *log.Logger
	Recorder Recorder
}

// Cache fetches remote files into Dir.
type Cache struct {
	dir      string
	baseURL  *url.URL
	prefix   string
	http     *http.Client
	timeout  time.Duration
	records  FileRecorder
	logger   *log.Logger
	recorder Recorder
}

// New creates the cache directory if needed.
func New(cfg Config) (*Cache, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("file cache directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create file cache dir: %w", err)
	}
	c := &Cache{
		dir:      abs,
		prefix:   cfg.PathPrefix,
		http:     cfg.HTTPClient,
		timeout:  cfg.Timeout,
		records:  cfg.Records,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}
	if c.prefix == "" {
		c.prefix = DefaultPathPrefix
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Minute
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard, "", 0)
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		u, err := url.Parse(strings.TrimRight(base, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse file base url: %w", err)
		}
		c.baseURL = u
	}
	return c, nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string { return c.dir }

// LocalName derives the cache-relative name for remoteURL: the URL path with
// its query dropped and the provider prefix removed.
func (c *Cache) LocalName(remoteURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(remoteURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	p := u.Path
	if i := strings.Index(p, c.prefix); i >= 0 {
		p = p[i+len(c.prefix):]
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, remoteURL)
	}
	return p, nil
}

// LocalPath is the absolute path LocalName maps to inside the cache.
func (c *Cache) LocalPath(remoteURL string) (string, error) {
	name, err := c.LocalName(remoteURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.dir, filepath.FromSlash(name)), nil
}

// Fetch returns the stored file for ref, downloading it only when nothing
// exists at the derived local path yet.
func (c *Cache) Fetch(ctx context.Context, ref event.FileReference) (store.StoredFile, error) {
	name, err := c.LocalName(ref.RemoteURL)
	if err != nil {
		return store.StoredFile{}, err
	}
	local := filepath.Join(c.dir, filepath.FromSlash(name))
	sf := store.StoredFile{
		OwnerUserID: ref.OwnerUserID,
		FileID:      name,
		FileName:    ref.FileName,
		LocalPath:   local,
		RemoteURL:   ref.RemoteURL,
	}
	if sf.FileName == "" {
		sf.FileName = path.Base(name)
	}

	if info, err := os.Stat(local); err == nil && info.Mode().IsRegular() {
		if c.recorder != nil {
			c.recorder.FileCacheHit()
		}
		sf.Size = info.Size()
		c.record(ctx, sf)
		return sf, nil
	}

	size, err := c.download(ctx, ref.RemoteURL, local)
	if err != nil {
		if c.recorder != nil {
			c.recorder.FileDownloadFailed()
		}
		return store.StoredFile{}, err
	}
	if c.recorder != nil {
		c.recorder.FileDownloaded(size)
	}
	sf.Size = size
	c.logger.Printf("downloaded %s (%d bytes) for user=%s", name, size, ref.OwnerUserID)
	c.record(ctx, sf)
	return sf, nil
}

func (c *Cache) record(ctx context.Context, sf store.StoredFile) {
	if c.records == nil || sf.OwnerUserID == "" {
		return
	}
	if _, err := c.records.InsertStoredFile(ctx, sf); err != nil {
		c.logger.Printf("record stored file %s for user=%s failed: %v", sf.FileID, sf.OwnerUserID, err)
	}
}

func (c *Cache) resolve(remoteURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(remoteURL))
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if c.baseURL == nil {
		return "", fmt.Errorf("relative file url %q without base url", remoteURL)
	}
	return c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery}).String(), nil
}

// download streams remoteURL into a temporary file beside local and renames
// it into place, so readers never observe a partial file.
func (c *Cache) download(ctx context.Context, remoteURL, local string) (int64, error) {
	target, err := c.resolve(remoteURL)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("download %s: status %d", target, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, err
	}
	tmp := local + "." + uuid.NewString() + partialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", local, copyErr)
	}
	if err := os.Rename(tmp, local); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// SweepPartials removes temporary download files older than maxAge and
// returns how many were deleted.
func (c *Cache) SweepPartials(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(c.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), partialSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	if c.recorder != nil && removed > 0 {
		c.recorder.PartialsSwept(removed)
	}
	return removed, err
}
