package assets

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
)

// LocalStorage serves assets from a directory. Signed URLs point at Handler,
// mounted under PublicBaseURL.
type LocalStorage struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocalStorage creates a LocalStorage rooted at dir. publicBaseURL is the
// externally reachable prefix where Handler is mounted, e.g.
// https://relay.example.com/assets.
func NewLocalStorage(dir, publicBaseURL, signingSecret string) (*LocalStorage, error) {
	if signingSecret == "" {
		return nil, errors.New("assets: signing secret must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("assets: resolve root: %w", err)
	}
	return &LocalStorage{
		root:    abs,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		secret:  []byte(signingSecret),
		now:     time.Now,
	}, nil
}

func (s *LocalStorage) resolve(assetPath string) (string, string, error) {
	rel, err := CleanPath(assetPath)
	if err != nil {
		return "", "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if full != s.root && !strings.HasPrefix(full, s.root+string(os.PathSeparator)) {
		return "", "", ErrPathTraversal
	}
	return rel, full, nil
}

// Open implements Storage.
func (s *LocalStorage) Open(_ context.Context, assetPath string) (io.ReadCloser, int64, error) {
	_, full, err := s.resolve(assetPath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, fmt.Errorf("asset %s: %w", assetPath, domain.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open asset %s: %w", assetPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat asset %s: %w", assetPath, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("asset %s: %w", assetPath, domain.ErrNotFound)
	}
	return f, info.Size(), nil
}

// SignedURL implements Storage.
func (s *LocalStorage) SignedURL(_ context.Context, assetPath string, ttl time.Duration) (string, error) {
	rel, full, err := s.resolve(assetPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("asset %s: %w", assetPath, domain.ErrNotFound)
		}
		return "", fmt.Errorf("stat asset %s: %w", assetPath, err)
	}

	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", s.sign(rel, expires))
	return s.baseURL + "/" + (&url.URL{Path: rel}).EscapedPath() + "?" + q.Encode(), nil
}

func (s *LocalStorage) sign(rel, expires string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(rel + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// Handler serves signed asset URLs. Mount it with the public prefix stripped.
func (s *LocalStorage) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rel, full, err := s.resolve(r.URL.Path)
		if err != nil {
			http.Error(w, "invalid asset path", http.StatusBadRequest)
			return
		}

		expires := r.URL.Query().Get("expires")
		sig := r.URL.Query().Get("sig")
		exp, err := strconv.ParseInt(expires, 10, 64)
		if err != nil || s.now().Unix() > exp || !hmac.Equal([]byte(sig), []byte(s.sign(rel, expires))) {
			http.Error(w, "invalid or expired signature", http.StatusForbidden)
			return
		}

		f, err := os.Open(full)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}
