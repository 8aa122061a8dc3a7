package security

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"sessionvault/internal/domain"
)

// shredChunk is the buffer size used for overwrite passes and read-back.
const shredChunk = 64 * 1024

// FileResult summarizes a file operation.
type FileResult struct {
	Path           string
	BytesProcessed int64
	FilesDeleted   int
	Errors         []string
}

func (r *FileResult) merge(o *FileResult) {
	if o == nil {
		return
	}
	r.BytesProcessed += o.BytesProcessed
	r.FilesDeleted += o.FilesDeleted
	r.Errors = append(r.Errors, o.Errors...)
}

// FileInfo describes a file without reading its content.
type FileInfo struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	ModTime time.Time   `json:"modified"`
	IsDir   bool        `json:"is_dir"`
}

// RenameError wraps a failed rename with the temporary file it left behind.
type RenameError struct {
	Err      error
	tempPath string
}

func (e RenameError) Error() string    { return e.Err.Error() }
func (e RenameError) TempPath() string { return e.tempPath }
func (e RenameError) Unwrap() error    { return e.Err }

// FileOps performs sandboxed reads, atomic writes and secure deletes.
// Every path argument is validated against the sandbox, and against
// root/scope when scope is non-empty.
type FileOps struct {
	sandbox *Sandbox
	logger  *slog.Logger
	verify  bool

	// beforeRename runs between syncing the temp file and renaming it.
	// Tests use it to simulate an interrupted write.
	beforeRename func(tempPath string) error
}

// FileOpsOption configures a FileOps.
type FileOpsOption func(*FileOps)

// WithOverwriteVerification makes every secure delete read back the final
// overwrite pass and compare it with what was written.
func WithOverwriteVerification(enabled bool) FileOpsOption {
	return func(f *FileOps) { f.verify = enabled }
}

// NewFileOps creates file operations confined to sandbox.
func NewFileOps(sandbox *Sandbox, logger *slog.Logger, opts ...FileOpsOption) *FileOps {
	f := &FileOps{sandbox: sandbox, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Verifying returns a copy of f with overwrite verification enabled.
func (f *FileOps) Verifying() *FileOps {
	cp := *f
	cp.verify = true
	return &cp
}

// Sandbox returns the sandbox f validates against.
func (f *FileOps) Sandbox() *Sandbox { return f.sandbox }

// AtomicWrite replaces path with data. The content goes to a temporary file in
// the same directory, is synced, restricted to the owner and then renamed over
// the destination, so readers see either the old or the new content. The
// parent directory must already exist.
func (f *FileOps) AtomicWrite(path string, data []byte, scope string) (*FileResult, error) {
	const op = "FileOps.AtomicWrite"

	target, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return nil, err
	}
	if info, err := os.Lstat(target); err == nil && !info.Mode().IsRegular() {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "destination is not a regular file")
	}

	dir := filepath.Dir(target)
	base := filepath.Base(target)
	if len(base) > 64 {
		base = base[:64]
	}
	tmp, err := os.CreateTemp(dir, ".tmp_"+base+"_*")
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrResource, fmt.Sprintf("create temp file: %v", err))
	}
	tmpPath := tmp.Name()

	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				f.logger.Warn("failed to remove temporary file", "path", tmpPath, "error", err)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, domain.NewDomainError(op, domain.ErrResource, fmt.Sprintf("write temp file: %v", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, domain.NewDomainError(op, domain.ErrResource, fmt.Sprintf("sync temp file: %v", err))
	}
	if err := tmp.Close(); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrResource, fmt.Sprintf("close temp file: %v", err))
	}
	if err := RestrictToOwner(tmpPath); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrResource, err.Error())
	}

	if f.beforeRename != nil {
		if err := f.beforeRename(tmpPath); err != nil {
			return nil, domain.NewDomainError(op, domain.ErrResource, err.Error())
		}
	}

	if err := atomicRename(tmpPath, target); err != nil {
		return nil, RenameError{Err: domain.NewDomainError(op, domain.ErrResource, err.Error()), tempPath: tmpPath}
	}
	success = true

	if err := syncDir(dir); err != nil {
		f.logger.Debug("directory sync after rename failed", "dir", dir, "error", err)
	}
	return &FileResult{Path: target, BytesProcessed: int64(len(data))}, nil
}

// SecureRead returns the content of a regular file.
func (f *FileOps) SecureRead(path, scope string) ([]byte, error) {
	const op = "FileOps.SecureRead"

	target, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return nil, err
	}
	if err := requireRegular(op, target); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrResource, err.Error())
	}
	return data, nil
}

// SecureDelete overwrites a regular file passes times with random bytes,
// syncing after each pass, then unlinks it. passes == 0 is a plain unlink.
// The file is unlinked even when an overwrite pass fails; the failure is
// still returned.
func (f *FileOps) SecureDelete(path string, passes int, scope string) (*FileResult, error) {
	const op = "FileOps.SecureDelete"

	if passes < 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("passes = %d", passes))
	}
	target, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return nil, err
	}
	if err := requireRegular(op, target); err != nil {
		return nil, err
	}
	return f.shred(target, passes)
}

func (f *FileOps) shred(target string, passes int) (*FileResult, error) {
	const op = "FileOps.SecureDelete"

	res := &FileResult{Path: target}
	info, err := os.Lstat(target)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", target, err))
		return res, domain.NewDomainError(op, domain.ErrResource, err.Error())
	}
	size := info.Size()

	var overwriteErr error
	if passes > 0 && size > 0 {
		overwriteErr = overwrite(target, size, passes, f.verify)
		if overwriteErr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", target, overwriteErr))
			f.logger.Warn("overwrite failed, unlinking anyway", "path", target, "error", overwriteErr)
		}
	}

	if err := os.Remove(target); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: unlink: %v", target, err))
		return res, domain.NewDomainError(op, domain.ErrResource, err.Error())
	}
	res.FilesDeleted = 1
	res.BytesProcessed = size

	if overwriteErr != nil {
		return res, domain.NewDomainError(op, domain.ErrResource, overwriteErr.Error())
	}
	f.logger.Debug("file shredded", "path", target, "bytes", size, "passes", passes)
	return res, nil
}

// overwrite fills the first size bytes of path with random data passes
// times. With verify set, the final pass is read back and its BLAKE3 digest
// compared with the digest of the bytes written.
func overwrite(path string, size int64, passes int, verify bool) error {
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open for overwrite: %w", err)
	}
	defer file.Close()

	buf := make([]byte, shredChunk)
	var want []byte
	for pass := 1; pass <= passes; pass++ {
		var hasher *blake3.Hasher
		if verify && pass == passes {
			hasher = blake3.New()
		}
		for off := int64(0); off < size; {
			n := int(min(int64(len(buf)), size-off))
			if _, err := rand.Read(buf[:n]); err != nil {
				return fmt.Errorf("pass %d: random: %w", pass, err)
			}
			if _, err := file.WriteAt(buf[:n], off); err != nil {
				return fmt.Errorf("pass %d: write: %w", pass, err)
			}
			if hasher != nil {
				hasher.Write(buf[:n])
			}
			off += int64(n)
		}
		if err := file.Sync(); err != nil {
			return fmt.Errorf("pass %d: sync: %w", pass, err)
		}
		if hasher != nil {
			want = hasher.Sum(nil)
		}
	}
	clear(buf)

	if want == nil {
		return nil
	}
	got, err := digestFile(path)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !bytes.Equal(got, want) {
		return errors.New("read back does not match final overwrite pass")
	}
	return nil
}

func digestFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	hasher := blake3.New()
	if _, err := io.CopyBuffer(hasher, file, make([]byte, shredChunk)); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

// CleanupDirectory secure-deletes every regular file beneath path and
// removes the emptied subdirectories. The directory itself is kept.
// Symlinks are unlinked without following them. Per-entry failures are
// collected in the result and do not stop the sweep.
func (f *FileOps) CleanupDirectory(path string, passes int, scope string) (*FileResult, error) {
	const op = "FileOps.CleanupDirectory"

	if passes < 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf("passes = %d", passes))
	}
	dir, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, dir)
		}
		return nil, domain.NewDomainError(op, domain.ErrResource, err.Error())
	}
	if !info.IsDir() {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "not a directory")
	}

	res := &FileResult{Path: dir}
	var subdirs []string
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p, err))
			if d != nil && d.IsDir() && p != dir {
				return fs.SkipDir
			}
			return nil
		}
		switch {
		case p == dir:
		case d.IsDir():
			subdirs = append(subdirs, p)
		case d.Type().IsRegular():
			r, _ := f.shred(p, passes)
			res.merge(r)
		default:
			if err := os.Remove(p); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: unlink: %v", p, err))
			} else {
				res.FilesDeleted++
			}
		}
		return nil
	})
	if walkErr != nil {
		res.Errors = append(res.Errors, walkErr.Error())
	}

	// Deepest first so parents are empty when removed.
	sort.Slice(subdirs, func(i, j int) bool { return len(subdirs[i]) > len(subdirs[j]) })
	for _, sd := range subdirs {
		if err := os.Remove(sd); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: rmdir: %v", sd, err))
		}
	}

	f.logger.Debug("directory cleaned", "path", dir, "files", res.FilesDeleted, "errors", len(res.Errors))
	return res, nil
}

// RemoveDir removes an empty directory.
func (f *FileOps) RemoveDir(path, scope string) error {
	dir, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return err
	}
	if dir == f.sandbox.Root() {
		return domain.NewDomainError("FileOps.RemoveDir", domain.ErrInvalidInput, "refusing to remove the storage root")
	}
	if err := os.Remove(dir); err != nil {
		if os.IsNotExist(err) {
			return domain.NewDomainError("FileOps.RemoveDir", domain.ErrNotFound, dir)
		}
		return domain.NewDomainError("FileOps.RemoveDir", domain.ErrResource, err.Error())
	}
	return nil
}

// EnsureDir creates path (and parents) restricted to the owner.
func (f *FileOps) EnsureDir(path, scope string) (string, error) {
	dir, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", domain.NewDomainError("FileOps.EnsureDir", domain.ErrResource, err.Error())
	}
	if err := RestrictToOwner(dir); err != nil {
		return "", domain.NewDomainError("FileOps.EnsureDir", domain.ErrResource, err.Error())
	}
	return dir, nil
}

// Exists reports whether path exists inside the sandbox. Invalid paths
// report false.
func (f *FileOps) Exists(path, scope string) bool {
	target, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return false
	}
	_, err = os.Lstat(target)
	return err == nil
}

// Info stats path without reading it.
func (f *FileOps) Info(path, scope string) (*FileInfo, error) {
	target, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewDomainError("FileOps.Info", domain.ErrNotFound, target)
		}
		return nil, domain.NewDomainError("FileOps.Info", domain.ErrResource, err.Error())
	}
	return toFileInfo(target, info), nil
}

// ListDirectory returns the entries of a directory sorted by name, skipping
// in-flight temporary files.
func (f *FileOps) ListDirectory(path, scope string) ([]FileInfo, error) {
	dir, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewDomainError("FileOps.ListDirectory", domain.ErrNotFound, dir)
		}
		return nil, domain.NewDomainError("FileOps.ListDirectory", domain.ErrResource, err.Error())
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, *toFileInfo(filepath.Join(dir, e.Name()), info))
	}
	return out, nil
}

// Usage walks path and totals files, directories and bytes beneath it.
func (f *FileOps) Usage(path, scope string) (files, dirs int, size int64, err error) {
	root, err := f.sandbox.ValidatePath(path, scope)
	if err != nil {
		return 0, 0, 0, err
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return fs.SkipAll
			}
			return nil
		}
		if p == root {
			return nil
		}
		if d.IsDir() {
			dirs++
			return nil
		}
		files++
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return files, dirs, size, err
}

func requireRegular(op, target string) error {
	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewDomainError(op, domain.ErrNotFound, target)
		}
		return domain.NewDomainError(op, domain.ErrResource, err.Error())
	}
	if !info.Mode().IsRegular() {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "not a regular file")
	}
	return nil
}

func toFileInfo(path string, info fs.FileInfo) *FileInfo {
	return &FileInfo{
		Name:    info.Name(),
		Path:    path,
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}
