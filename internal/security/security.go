package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// EnvAllowedDirs names the environment variable holding the allow-list roots.
const EnvAllowedDirs = "XCELPIVOT_ALLOWED_DIRS"

// DefaultExtensions are the workbook formats pivots can be built from.
var DefaultExtensions = []string{".xlsx", ".xlsm", ".xltx", ".xltm"}

// exportExt is the only format export targets may use.
const exportExt = ".xlsx"

var (
	// ErrNotAllowed indicates the requested path is outside the allow-list roots.
	ErrNotAllowed = errors.New("security: path not allowed")
	// ErrUnsupportedExtension indicates the requested file extension is not supported.
	ErrUnsupportedExtension = errors.New("security: unsupported file extension")
	// ErrNotFound indicates the requested file does not exist or is not accessible.
	ErrNotFound = errors.New("security: file not found")
)

// Manager confines the workbooks pivot tools read and the export targets they
// write to a set of canonical root directories.
type Manager struct {
	roots []string
	exts  map[string]bool
}

// NewManager builds a Manager from root directories and allowed extensions
// (leading dot, any case). Nil extensions mean DefaultExtensions. Roots are
// made absolute, resolved through symlinks and must be directories.
func NewManager(roots []string, extensions []string) (*Manager, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if !strings.HasPrefix(e, ".") || len(e) == 1 {
			return nil, fmt.Errorf("security: invalid extension: %q", e)
		}
		exts[e] = true
	}

	m := &Manager{exts: exts}
	for _, d := range lo.Compact(lo.Map(roots, func(d string, _ int) string { return strings.TrimSpace(d) })) {
		real, info, err := resolve(d)
		if err != nil {
			return nil, fmt.Errorf("security: allow-list entry %q: %w", d, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("security: allow-list entry is not a directory: %q", real)
		}
		m.roots = append(m.roots, real)
	}
	m.roots = lo.Uniq(m.roots)
	return m, nil
}

// NewManagerFromEnv reads the roots from XCELPIVOT_ALLOWED_DIRS, separated by
// os.PathListSeparator. An unset or empty variable denies everything.
func NewManagerFromEnv() (*Manager, error) {
	var roots []string
	if list := os.Getenv(EnvAllowedDirs); list != "" {
		roots = filepath.SplitList(list)
	}
	return NewManager(roots, nil)
}

// AllowedDirectories returns a copy of the canonical roots.
func (m *Manager) AllowedDirectories() []string {
	return append([]string(nil), m.roots...)
}

// ValidateConfig fails when the allow-list is empty.
func (m *Manager) ValidateConfig() error {
	if len(m.roots) == 0 {
		return errors.New("security: no allowed directories configured")
	}
	return nil
}

// ValidateOpenPath returns the canonical path of an existing workbook with a
// supported extension that resolves inside a root.
func (m *Manager) ValidateOpenPath(input string) (string, error) {
	if input == "" {
		return "", ErrNotAllowed
	}
	if !m.exts[strings.ToLower(filepath.Ext(input))] {
		return "", ErrUnsupportedExtension
	}
	real, info, err := resolve(input)
	if err != nil {
		return "", err
	}
	if info.IsDir() || !m.within(real) {
		return "", ErrNotAllowed
	}
	return real, nil
}

// ValidateWritePath checks an export target. The file may not exist yet, but
// its directory must resolve inside a root and the extension must be .xlsx.
// An existing target must be a regular file, reached without leaving the roots.
func (m *Manager) ValidateWritePath(input string) (string, error) {
	if input == "" {
		return "", ErrNotAllowed
	}
	if !strings.EqualFold(filepath.Ext(input), exportExt) {
		return "", ErrUnsupportedExtension
	}
	abs, err := filepath.Abs(input)
	if err != nil {
		return "", fmt.Errorf("security: abs path: %w", err)
	}
	dir, _, err := resolve(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(abs))
	switch real, info, err := resolve(target); {
	case err == nil:
		if !info.Mode().IsRegular() {
			return "", ErrNotAllowed
		}
		target = real
	case !errors.Is(err, ErrNotFound):
		return "", err
	}
	if !m.within(target) {
		return "", ErrNotAllowed
	}
	return target, nil
}

// resolve makes p absolute, follows symlinks and stats the result.
// A missing file maps to ErrNotFound.
func resolve(p string) (string, fs.FileInfo, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", nil, fmt.Errorf("security: abs path: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		var info fs.FileInfo
		if info, err = os.Stat(real); err == nil {
			return filepath.Clean(real), info, nil
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, ErrNotFound
	}
	return "", nil, fmt.Errorf("security: resolve %q: %w", abs, err)
}

// within reports whether real lies strictly below one of the roots.
func (m *Manager) within(real string) bool {
	return lo.SomeBy(m.roots, func(root string) bool {
		rel, err := filepath.Rel(root, real)
		if err != nil || rel == "." {
			return false
		}
		return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	})
}
