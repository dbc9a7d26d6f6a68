// Package assets implements the immutable, pre-populated asset cache: a
// directory snapshot taken once at startup and served read-only by every
// worker for the lifetime of the process.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/savsgio/gotils/nocopy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrMissingErrorPage is returned by Build when error_404.html or
// error_500.html is absent from the asset root.
var ErrMissingErrorPage = errors.New("assets: missing required error page")

const (
	errorPage404 = "error_404.html"
	errorPage500 = "error_500.html"
	indexPage    = "index.html"
)

// AssetEntry is one cached file: its canonical path key, MIME type, exact
// byte length, and body (memory-mapped or fd-backed — see Body).
type AssetEntry struct {
	PathKey  string
	MimeType string
	Size     int64

	body body
}

// body is the polymorphic body source described in spec §9: either a
// memory-mapped region (small files) or an open fd for positional reads
// (large files). At most one is set; a zero-length entry has neither.
type body struct {
	mapped []byte
	fd     int // -1 when unused
}

// Mapped reports whether the entry's body is memory-mapped, and returns the
// mapped bytes if so.
func (e *AssetEntry) Mapped() ([]byte, bool) {
	if e.body.mapped != nil {
		return e.body.mapped, true
	}
	return nil, false
}

// FD reports whether the entry's body is fd-backed, and returns the fd if
// so. The fd is retained for the lifetime of the cache and must only be
// used for positional reads (pread), never Close'd by the caller.
func (e *AssetEntry) FD() (int, bool) {
	if e.body.mapped == nil && e.body.fd >= 0 {
		return e.body.fd, true
	}
	return 0, false
}

// AssetCache is a finite, ordered collection of AssetEntry values plus
// pointers to the two distinguished error entries. It is built once, read
// by any number of workers without synchronization, and torn down once at
// process exit.
type AssetCache struct {
	noCopy nocopy.NoCopy // nolint:structcheck,unused

	root    string
	entries []*AssetEntry

	err404 *AssetEntry
	err500 *AssetEntry

	log *logrus.Logger
}

// Error404 returns the cache's error_404.html entry. Build guarantees it is
// always present.
func (c *AssetCache) Error404() *AssetEntry { return c.err404 }

// Error500 returns the cache's error_500.html entry. Build guarantees it is
// always present.
func (c *AssetCache) Error500() *AssetEntry { return c.err500 }

// Len reports the number of cached entries, for tests and metrics.
func (c *AssetCache) Len() int { return len(c.entries) }

// Build walks root recursively and populates a new AssetCache. The walk is
// two-pass: the first pass counts regular files so the entry slice can be
// allocated once; the second pass opens, maps or retains, and records each
// one. Failure to open or map a single file is logged and that entry is
// dropped; failure of the walk itself, or a missing error page, is fatal.
func Build(root string, log *logrus.Logger) (*AssetCache, error) {
	root = filepath.Clean(root)

	count, err := countRegularFiles(root)
	if err != nil {
		return nil, fmt.Errorf("assets: counting pass over %s: %w", root, err)
	}

	c := &AssetCache{
		root:    root,
		entries: make([]*AssetEntry, 0, count),
		log:     log,
	}

	pageSize := int64(os.Getpagesize())

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		entry, err := buildEntry(path, key, pageSize)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("assets: skipping file that could not be cached")
			return nil
		}

		c.entries = append(c.entries, entry)
		switch key {
		case errorPage404:
			c.err404 = entry
		case errorPage500:
			c.err500 = entry
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("assets: walking %s: %w", root, walkErr)
	}

	if c.err404 == nil || c.err500 == nil {
		return nil, fmt.Errorf("%w: %s and %s must both exist under %s",
			ErrMissingErrorPage, errorPage404, errorPage500, root)
	}

	return c, nil
}

func countRegularFiles(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n, err
}

// buildEntry opens path read-only and decides, by comparing size against
// the OS page size, whether to memory-map it or retain its fd.
func buildEntry(path, key string, pageSize int64) (*AssetEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	size := info.Size()

	entry := &AssetEntry{
		PathKey:  key,
		MimeType: mimeForPath(key),
		Size:     size,
		body:     body{fd: -1},
	}

	if size == 0 {
		// A zero-length file is valid (spec §4.1 edge cases); there is
		// nothing to map, and no fd needs to stay open.
		f.Close()
		return entry, nil
	}

	if size <= pageSize {
		data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("mmap: %w", err)
		}
		entry.body.mapped = data
		return entry, nil
	}

	// Large file: retain the fd for positional (pread) reads and never
	// close it for the life of the cache. Detach the *os.File finalizer
	// so garbage collection doesn't close the fd out from under us.
	runtime.SetFinalizer(f, nil)
	entry.body.fd = int(f.Fd())
	return entry, nil
}

// Lookup resolves a request path key to its cached entry. The empty key
// aliases to index.html. Comparison is an exact match against the
// entries' path keys (already stripped of the asset-root prefix).
func (c *AssetCache) Lookup(key string) (*AssetEntry, bool) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		key = indexPage
	}
	for _, e := range c.entries {
		if e.PathKey == key {
			return e, true
		}
	}
	return nil, false
}

// Teardown closes retained fds and unmaps mapped regions. Call once at
// process exit.
func (c *AssetCache) Teardown() {
	for _, e := range c.entries {
		if e.body.mapped != nil {
			if err := unix.Munmap(e.body.mapped); err != nil {
				c.log.WithError(err).WithField("path_key", e.PathKey).Warn("assets: munmap failed")
			}
			e.body.mapped = nil
			continue
		}
		if e.body.fd >= 0 {
			if err := unix.Close(e.body.fd); err != nil {
				c.log.WithError(err).WithField("path_key", e.PathKey).Warn("assets: close failed")
			}
			e.body.fd = -1
		}
	}
	c.entries = nil
}
