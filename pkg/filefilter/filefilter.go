// Package filefilter expands upload arguments into the files worth sending as context.
package filefilter

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/denormal/go-gitignore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/config"
)

var (
	DefaultExcludedExts = []string{
		".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tiff",
		".mp3", ".wav", ".ogg", ".flac",
		".mp4", ".avi", ".mov", ".wmv",
		".zip", ".tar", ".gz", ".rar",
		".exe", ".dll", ".so", ".dylib",
		".pdf", ".doc", ".docx", ".xls", ".xlsx",
		".bin", ".dat", ".db", ".sqlite",
		".woff", ".ttf", ".eot", ".svg", ".webp", ".woff2",
		".lock",
	}

	DefaultExcludedDirs = []string{
		".git", ".svn", "node_modules", "vendor", ".history", ".idea", ".vscode", "build", "dist",
	}

	DefaultExcludedMatchFilenames = []*regexp.Regexp{
		regexp.MustCompile(`.*-lock\.json$`),
		regexp.MustCompile(`^go\.sum$`),
		regexp.MustCompile(`^yarn\.lock$`),
	}
)

// FileFilter decides which files under a directory argument are uploaded. Files named
// explicitly are never filtered.
type FileFilter struct {
	MaxFileSize           int64
	IncludeExts           []string
	ExcludeExts           []string
	ExcludeDirs           []string
	DisableGitIgnore      bool
	DisableDefaultFilters bool
	FilterBinaryFiles     bool
}

// FromSettings builds a filter from the client's upload settings.
func FromSettings(s config.UploadSettings) *FileFilter {
	return &FileFilter{
		MaxFileSize:           s.MaxFileSize,
		IncludeExts:           normalizeExts(s.IncludeExts),
		ExcludeExts:           normalizeExts(s.ExcludeExts),
		ExcludeDirs:           s.ExcludeDirs,
		DisableGitIgnore:      s.DisableGitIgnore,
		DisableDefaultFilters: s.DisableDefaultFilters,
		FilterBinaryFiles:     s.FilterBinary,
	}
}

func normalizeExts(exts []string) []string {
	ret := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ret = append(ret, e)
	}
	return ret
}

// Expand returns the files to upload for paths, walking directories in lexical order.
// The result has no duplicates.
func (ff *FileFilter) Expand(paths ...string) ([]string, error) {
	seen := map[string]bool{}
	var ret []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			ret = append(ret, p)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", p)
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		found, err := ff.walk(p)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			add(f)
		}
	}
	return ret, nil
}

func (ff *FileFilter) walk(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", root)
	}

	var ignore gitignore.GitIgnore
	if !ff.DisableGitIgnore {
		ignore, err = gitignore.NewRepository(abs)
		if err != nil {
			log.Debug().Err(err).Str("component", "filefilter").Str("dir", root).Msg("gitignore not loaded")
			ignore = nil
		}
	}

	var ret []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == abs {
			return nil
		}
		if ignore != nil {
			if m := ignore.Absolute(path, d.IsDir()); m != nil && m.Ignore() {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() {
			if ff.isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if ff.include(path, info.Size()) {
			rel, err := filepath.Rel(abs, path)
			if err != nil {
				return err
			}
			ret = append(ret, filepath.Join(root, rel))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", root)
	}
	sort.Strings(ret)
	return ret, nil
}

func (ff *FileFilter) isExcludedDir(name string) bool {
	if !ff.DisableDefaultFilters {
		for _, d := range DefaultExcludedDirs {
			if name == d {
				return true
			}
		}
	}
	for _, d := range ff.ExcludeDirs {
		if name == d {
			return true
		}
	}
	return false
}

func (ff *FileFilter) include(path string, size int64) bool {
	ext := strings.ToLower(filepath.Ext(path))
	base := filepath.Base(path)

	if !ff.DisableDefaultFilters {
		for _, e := range DefaultExcludedExts {
			if ext == e {
				return false
			}
		}
		for _, re := range DefaultExcludedMatchFilenames {
			if re.MatchString(base) {
				return false
			}
		}
	}
	if ff.MaxFileSize > 0 && size > ff.MaxFileSize {
		return false
	}
	if len(ff.IncludeExts) > 0 && !contains(ff.IncludeExts, ext) {
		return false
	}
	if contains(ff.ExcludeExts, ext) {
		return false
	}
	if ff.FilterBinaryFiles {
		binary, err := isBinaryFile(path)
		if err != nil || binary {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isBinaryFile reports whether the first 512 bytes contain a NUL.
func isBinaryFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) != -1, nil
}
