// Package blob stores call recordings and generated reports, and issues
// presigned download URLs scoped to those two key prefixes.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Allowed key prefixes for presigned access.
const (
	PrefixRecordings = "recordings/"
	PrefixReports    = "reports/"
)

// ErrForbiddenKey is returned for keys outside the allowed prefixes.
var ErrForbiddenKey = errors.New("key outside allowed prefixes")

// Store persists blobs and mints presigned GET URLs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	PresignedGet(key string, ttl time.Duration) (string, error)
}

// FSStore keeps blobs on the local filesystem with an HMAC-signed
// download endpoint, mirroring how an object store would presign.
type FSStore struct {
	root       string
	signingKey []byte
	baseURL    string
	logger     *slog.Logger
	now        func() time.Time
}

// NewFSStore returns a store rooted at dir. baseURL is the externally
// reachable prefix for download links.
func NewFSStore(dir, baseURL string, signingKey []byte, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FSStore{
		root:       dir,
		signingKey: signingKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("subsystem", "blob"),
		now:        time.Now,
	}, nil
}

func validKey(key string) bool {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return false
	}
	return strings.HasPrefix(key, PrefixRecordings) || strings.HasPrefix(key, PrefixReports)
}

type meta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Put writes the blob and a metadata sidecar.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if !validKey(key) {
		return ErrForbiddenKey
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0640); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	sidecar, err := json.Marshal(meta{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("encoding blob metadata: %w", err)
	}
	if err := os.WriteFile(dst+".meta", sidecar, 0640); err != nil {
		return fmt.Errorf("writing blob metadata: %w", err)
	}
	s.logger.Debug("blob stored", "key", key, "bytes", len(data))
	return nil
}

// PresignedGet mints a time-limited download URL for an allowed key.
func (s *FSStore) PresignedGet(key string, ttl time.Duration) (string, error) {
	if !validKey(key) {
		return "", ErrForbiddenKey
	}
	exp := s.now().Add(ttl).Unix()
	sig := s.sign(key, exp)
	return fmt.Sprintf("%s/blobs/%s?exp=%d&sig=%s", s.baseURL, key, exp, sig), nil
}

func (s *FSStore) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	fmt.Fprintf(mac, "%s\n%d", key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handler serves presigned downloads under /blobs/. It rejects expired
// or tampered links and keys outside the allowed prefixes.
func (s *FSStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(path.Clean(r.URL.Path), "/blobs/")
		if !validKey(key) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
		if err != nil || s.now().Unix() > exp {
			http.Error(w, "link expired", http.StatusForbidden)
			return
		}
		want := s.sign(key, exp)
		if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		dst := filepath.Join(s.root, filepath.FromSlash(key))
		data, err := os.ReadFile(dst)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		contentType := "application/octet-stream"
		if raw, err := os.ReadFile(dst + ".meta"); err == nil {
			var m meta
			if json.Unmarshal(raw, &m) == nil && m.ContentType != "" {
				contentType = m.ContentType
			}
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(path.Base(key)))
		w.Write(data)
	})
}

// RecordingKey builds the canonical key for a call recording.
func RecordingKey(callSid string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.wav", PrefixRecordings, at.Year(), at.Month(), at.Day(), url.PathEscape(callSid))
}

// ReportKey builds the canonical key for a provider's daily report.
func ReportKey(providerID string, day time.Time) string {
	day = day.UTC()
	return fmt.Sprintf("%s%04d/%02d/%s-%s.pdf", PrefixReports, day.Year(), day.Month(), url.PathEscape(providerID), day.Format("2006-01-02"))
}

var _ Store = (*FSStore)(nil)
