// Package sandbox restricts which files may be read as constraint profiles
// at runtime. Profiles arrive by path over RPC and from the watcher, so every
// read goes through a Sandbox.
package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrDenied is matched by every *Denial.
var ErrDenied = errors.New("sandbox: denied")

// Denial is a refused read.
type Denial struct {
	Path   string
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("sandbox: %s: %s", d.Path, d.Reason)
}

func (d *Denial) Is(target error) bool { return target == ErrDenied }

// Config holds the sandbox configuration.
type Config struct {
	AllowedPaths []string
	DeniedPaths  []string
	MaxFileSize  string   // e.g. "1MB", "500KB"; empty means unlimited
	Extensions   []string // e.g. ".yaml"; empty means any
}

// Sandbox enforces allowed/denied roots, a size cap and an extension
// allowlist. Deny rules win over allow rules.
type Sandbox struct {
	allowed    []string
	denied     []string
	maxSize    ByteSize
	extensions []string
}

// New resolves the configured roots and parses the size limit.
func New(cfg Config) (*Sandbox, error) {
	s := &Sandbox{}

	var err error
	if s.allowed, err = resolveAll(cfg.AllowedPaths); err != nil {
		return nil, fmt.Errorf("sandbox: allowed path: %w", err)
	}
	if s.denied, err = resolveAll(cfg.DeniedPaths); err != nil {
		return nil, fmt.Errorf("sandbox: denied path: %w", err)
	}
	if cfg.MaxFileSize != "" {
		if s.maxSize, err = ParseByteSize(cfg.MaxFileSize); err != nil {
			return nil, fmt.Errorf("sandbox: max_file_size: %w", err)
		}
	}
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.extensions = append(s.extensions, ext)
	}
	return s, nil
}

// CheckPath reports whether path may be read. Symlinks are followed before
// the roots are compared.
func (s *Sandbox) CheckPath(path string) error {
	abs, err := resolve(path)
	if err != nil {
		return fmt.Errorf("sandbox: resolve %q: %w", path, err)
	}
	if root, ok := within(abs, s.denied); ok {
		return &Denial{Path: abs, Reason: fmt.Sprintf("under denied path %s", root)}
	}
	if len(s.allowed) > 0 {
		if _, ok := within(abs, s.allowed); !ok {
			return &Denial{Path: abs, Reason: "not under any allowed path"}
		}
	}
	if len(s.extensions) > 0 && !slices.Contains(s.extensions, strings.ToLower(filepath.Ext(abs))) {
		return &Denial{Path: abs, Reason: fmt.Sprintf("extension not in %v", s.extensions)}
	}
	return nil
}

// ReadFile checks path and reads it. The size cap applies to the bytes read,
// not only the size reported by stat.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	if err := s.CheckPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	if info.IsDir() {
		return nil, &Denial{Path: path, Reason: "is a directory"}
	}
	if err := s.checkSize(path, info.Size()); err != nil {
		return nil, err
	}

	var r io.Reader = f
	if s.maxSize > 0 {
		r = io.LimitReader(f, int64(s.maxSize)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %q: %w", path, err)
	}
	if err := s.checkSize(path, int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

// MaxFileSize returns the size cap; 0 means unlimited.
func (s *Sandbox) MaxFileSize() ByteSize { return s.maxSize }

func (s *Sandbox) checkSize(path string, n int64) error {
	if s.maxSize > 0 && n > int64(s.maxSize) {
		return &Denial{Path: path, Reason: fmt.Sprintf("%s exceeds limit %s", ByteSize(n), s.maxSize)}
	}
	return nil
}

// within returns the first root that contains abs.
func within(abs string, roots []string) (string, bool) {
	for _, root := range roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return root, true
		}
	}
	return "", false
}

func resolveAll(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := resolve(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// resolve makes p absolute and follows symlinks in its longest existing
// prefix, so a link inside an allowed dir cannot point outside it.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var rest []string
	for dir := abs; ; {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			slices.Reverse(rest)
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent
	}
}
