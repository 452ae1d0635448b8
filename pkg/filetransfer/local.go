package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// SchemeFile is the local file system scheme
const SchemeFile = "file"

// Local copies files on the agent host
type Local struct{}

// Schemes implements Transfer
func (Local) Schemes() []string { return []string{SchemeFile} }

// Path returns the local path of a file:// URI or bare path
func (Local) Path(uri string) (string, error) {
	if Scheme(uri) != SchemeFile {
		return "", fmt.Errorf("%w: %s is not a file uri", ErrInvalidURI, uri)
	}
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("%w: remote host %q in file uri", ErrInvalidURI, u.Host)
		}
		p = u.Path
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrInvalidURI, uri)
	}
	return filepath.Clean(p), nil
}

// Validate implements Transfer
func (l Local) Validate(uri string) error {
	_, err := l.Path(uri)
	return wrap("validate", SchemeFile, uri, err)
}

// Get implements Transfer
func (l Local) Get(_ context.Context, uri, dst string) error {
	src, err := l.Path(uri)
	if err != nil {
		return wrap("get", SchemeFile, uri, err)
	}
	return wrap("get", SchemeFile, uri, copyFile(src, dst))
}

// Put implements Transfer
func (l Local) Put(_ context.Context, src, uri string) error {
	dst, err := l.Path(uri)
	if err != nil {
		return wrap("put", SchemeFile, uri, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return wrap("put", SchemeFile, uri, err)
	}
	return wrap("put", SchemeFile, uri, copyFile(src, dst))
}

// LastModified implements Transfer
func (l Local) LastModified(_ context.Context, uri string) (time.Time, error) {
	p, err := l.Path(uri)
	if err != nil {
		return time.Time{}, wrap("stat", SchemeFile, uri, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return time.Time{}, wrap("stat", SchemeFile, uri, translateOSError(err))
	}
	return info.ModTime(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return translateOSError(err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	return writeAtomically(dst, func(f *os.File) error {
		if _, err := io.Copy(f, in); err != nil {
			return err
		}
		return f.Chmod(info.Mode().Perm())
	})
}

func translateOSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return err
}
