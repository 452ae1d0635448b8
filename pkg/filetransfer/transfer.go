// Package filetransfer moves job dependencies and archives between the
// agent host and remote locations named by URI.
package filetransfer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Transfer handles the URIs of one or more schemes
type Transfer interface {
	// Schemes lists the URI schemes the transfer accepts
	Schemes() []string
	// Validate reports whether uri is well formed for this transfer
	Validate(uri string) error
	// Get downloads uri to the local path dst
	Get(ctx context.Context, uri, dst string) error
	// Put uploads the local file src to uri
	Put(ctx context.Context, src, uri string) error
	// LastModified returns the modification time of uri
	LastModified(ctx context.Context, uri string) (time.Time, error)
}

// Registry dispatches URIs to the transfer registered for their scheme
type Registry struct {
	mu        sync.RWMutex
	transfers map[string]Transfer
}

// NewRegistry creates a registry holding transfers
func NewRegistry(transfers ...Transfer) *Registry {
	r := &Registry{transfers: make(map[string]Transfer)}
	for _, t := range transfers {
		r.Register(t)
	}
	return r
}

// Register adds t for every scheme it accepts, replacing earlier ones
func (r *Registry) Register(t Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range t.Schemes() {
		r.transfers[strings.ToLower(s)] = t
	}
}

// Schemes returns the registered schemes, sorted
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transfers))
	for s := range r.transfers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// For returns the transfer for uri. A bare path is treated as file.
func (r *Registry) For(uri string) (Transfer, error) {
	scheme := Scheme(uri)
	r.mu.RLock()
	t, ok := r.transfers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Op: "lookup", Scheme: scheme, URI: uri, Err: ErrUnsupportedScheme}
	}
	return t, nil
}

// Validate checks that uri has a registered scheme and is well formed
func (r *Registry) Validate(uri string) error {
	t, err := r.For(uri)
	if err != nil {
		return err
	}
	return t.Validate(uri)
}

// Get downloads uri to dst, creating parent directories
func (r *Registry) Get(ctx context.Context, uri, dst string) error {
	t, err := r.For(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return wrap("get", Scheme(uri), uri, err)
	}
	return t.Get(ctx, uri, dst)
}

// Put uploads src to uri
func (r *Registry) Put(ctx context.Context, src, uri string) error {
	t, err := r.For(uri)
	if err != nil {
		return err
	}
	return t.Put(ctx, src, uri)
}

// LastModified returns the modification time of uri
func (r *Registry) LastModified(ctx context.Context, uri string) (time.Time, error) {
	t, err := r.For(uri)
	if err != nil {
		return time.Time{}, err
	}
	return t.LastModified(ctx, uri)
}

// Scheme returns the lower case scheme of uri, "file" for bare paths
func Scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return SchemeFile
	}
	return strings.ToLower(uri[:i])
}

// FileName is the last path element of uri, used as the local file name
func FileName(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	name := filepath.Base(strings.TrimRight(p, "/"))
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("%w: %s has no file name", ErrInvalidURI, uri)
	}
	return name, nil
}

// writeAtomically writes through a temp file next to dst and renames it into
// place once fill succeeds
func writeAtomically(dst string, fill func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return err
	}
	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// NewDefault registers the local, http and s3 transfers
func NewDefault(ctx context.Context, s3cfg S3Config, httpTimeout time.Duration) (*Registry, error) {
	s3t, err := NewS3(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return NewRegistry(Local{}, NewHTTP(httpTimeout), s3t), nil
}
