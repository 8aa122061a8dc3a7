package security

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionvault/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFileOps(t *testing.T, opts ...FileOpsOption) (*FileOps, string) {
	t.Helper()
	sandbox, dir := newTestSandbox(t)
	return NewFileOps(sandbox, discardLogger(), opts...), dir
}

func TestAtomicWriteCreatesAndReplaces(t *testing.T) {
	ops, dir := newTestFileOps(t)
	target := filepath.Join(dir, "doc.json")

	res, err := ops.AtomicWrite(target, []byte("first"), "")
	require.NoError(t, err)
	assert.Equal(t, target, res.Path)
	assert.Equal(t, int64(5), res.BytesProcessed)

	_, err = ops.AtomicWrite(target, []byte("second version"), "")
	require.NoError(t, err)

	got, err := ops.SecureRead(target, "")
	require.NoError(t, err)
	assert.Equal(t, "second version", string(got))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestAtomicWriteInterruptedKeepsOldContent(t *testing.T) {
	ops, dir := newTestFileOps(t)
	target := filepath.Join(dir, "doc.json")

	_, err := ops.AtomicWrite(target, []byte("original"), "")
	require.NoError(t, err)

	var seenTemp string
	ops.beforeRename = func(tmp string) error {
		seenTemp = tmp
		assert.True(t, strings.HasPrefix(filepath.Base(tmp), ".tmp_doc.json_"))
		return errors.New("simulated crash")
	}

	_, err = ops.AtomicWrite(target, []byte("replacement"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResource)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	_, statErr := os.Stat(seenTemp)
	assert.True(t, os.IsNotExist(statErr), "temporary file should be removed after failure")
}

func TestAtomicWriteTruncatesLongTempNames(t *testing.T) {
	ops, dir := newTestFileOps(t)
	name := strings.Repeat("n", 200)

	var seenTemp string
	ops.beforeRename = func(tmp string) error {
		seenTemp = tmp
		return nil
	}
	_, err := ops.AtomicWrite(filepath.Join(dir, name), []byte("x"), "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(filepath.Base(seenTemp)), MaxNameLength)
}

func TestAtomicWriteRejectsOutsideAndNonRegular(t *testing.T) {
	ops, dir := newTestFileOps(t)

	_, err := ops.AtomicWrite(filepath.Join(dir, "..", "escape.json"), []byte("x"), "")
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))
	_, err = ops.AtomicWrite(filepath.Join(dir, "sub"), []byte("x"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ops.AtomicWrite(filepath.Join(dir, "missing", "doc"), []byte("x"), "")
	assert.ErrorIs(t, err, domain.ErrResource)
}

func TestAtomicWriteScope(t *testing.T) {
	ops, dir := newTestFileOps(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "alpha"), 0o700))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "beta"), 0o700))

	_, err := ops.AtomicWrite(filepath.Join(dir, "alpha", "doc"), []byte("x"), "alpha")
	require.NoError(t, err)

	_, err = ops.AtomicWrite(filepath.Join(dir, "beta", "doc"), []byte("x"), "alpha")
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestSecureReadErrors(t *testing.T) {
	ops, dir := newTestFileOps(t)

	_, err := ops.SecureRead(filepath.Join(dir, "missing"), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ops.SecureRead(dir, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ops.SecureRead("/etc/passwd", "")
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestSecureDeleteRemovesFile(t *testing.T) {
	for _, passes := range []int{0, 1, 3} {
		ops, dir := newTestFileOps(t, WithOverwriteVerification(true))
		target := filepath.Join(dir, "secret.json")
		require.NoError(t, os.WriteFile(target, bytes.Repeat([]byte("s"), 100_000), 0o600))

		res, err := ops.SecureDelete(target, passes, "")
		require.NoError(t, err, "passes=%d", passes)
		assert.Equal(t, 1, res.FilesDeleted)
		assert.Equal(t, int64(100_000), res.BytesProcessed)
		assert.Empty(t, res.Errors)
		assert.False(t, ops.Exists(target, ""))
	}
}

func TestSecureDeleteEmptyFile(t *testing.T) {
	ops, dir := newTestFileOps(t)
	target := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(target, nil, 0o600))

	res, err := ops.SecureDelete(target, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, int64(0), res.BytesProcessed)
}

func TestSecureDeleteErrors(t *testing.T) {
	ops, dir := newTestFileOps(t)

	_, err := ops.SecureDelete(filepath.Join(dir, "missing"), 1, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ops.SecureDelete(filepath.Join(dir, "x"), -1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ops.SecureDelete(dir, 1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	outside := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0o600))
	_, err = ops.SecureDelete(outside, 1, "")
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr, "file outside the sandbox was touched")
}

func TestSecureDeleteResolvesSymlinkInsideSandbox(t *testing.T) {
	ops, dir := newTestFileOps(t)

	inside := filepath.Join(dir, "real")
	require.NoError(t, os.WriteFile(inside, []byte("data"), 0o600))
	link := filepath.Join(dir, "link")
	if err := os.Symlink(inside, link); err != nil {
		t.Skip("cannot create symlinks")
	}

	// The link resolves inside the sandbox, so its target is what gets shredded.
	_, err := ops.SecureDelete(link, 1, "")
	require.NoError(t, err)
	_, statErr := os.Stat(inside)
	assert.True(t, os.IsNotExist(statErr))
}

func TestOverwriteReplacesContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "plain")
	plaintext := bytes.Repeat([]byte("TOP-SECRET-PAYLOAD "), 10_000)
	require.NoError(t, os.WriteFile(target, plaintext, 0o600))

	require.NoError(t, overwrite(target, int64(len(plaintext)), 2, true))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Len(t, got, len(plaintext))
	assert.False(t, bytes.Contains(got, []byte("TOP-SECRET")), "plaintext survived overwrite")
}

func TestDigestFileMatchesContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o600))

	da, err := digestFile(a)
	require.NoError(t, err)
	db, err := digestFile(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)

	require.NoError(t, os.WriteFile(b, []byte("diff"), 0o600))
	db, err = digestFile(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestCleanupDirectory(t *testing.T) {
	ops, dir := newTestFileOps(t)
	sess := filepath.Join(dir, "sess")
	require.NoError(t, os.MkdirAll(filepath.Join(sess, "nested", "deeper"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(sess, "a.json"), []byte("aaaa"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(sess, "nested", "b.json"), []byte("bb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(sess, "nested", "deeper", "c.json"), []byte("c"), 0o600))

	res, err := ops.CleanupDirectory(sess, 1, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.FilesDeleted)
	assert.Equal(t, int64(7), res.BytesProcessed)
	assert.Empty(t, res.Errors)

	entries, err := os.ReadDir(sess)
	require.NoError(t, err, "directory itself should be kept")
	assert.Empty(t, entries)
}

func TestCleanupDirectoryUnlinksSymlinksWithoutFollowing(t *testing.T) {
	ops, dir := newTestFileOps(t)
	sess := filepath.Join(dir, "sess")
	require.NoError(t, os.Mkdir(sess, 0o700))

	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("untouched"), 0o600))
	if err := os.Symlink(outside, filepath.Join(sess, "link")); err != nil {
		t.Skip("cannot create symlinks")
	}

	res, err := ops.CleanupDirectory(sess, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesDeleted)

	got, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "untouched", string(got))
}

func TestCleanupDirectoryErrors(t *testing.T) {
	ops, dir := newTestFileOps(t)

	_, err := ops.CleanupDirectory(filepath.Join(dir, "missing"), 1, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = ops.CleanupDirectory(file, 1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ops.CleanupDirectory(filepath.Join(dir, ".."), 1, "")
	assert.ErrorIs(t, err, domain.ErrPathOutsideSandbox)
}

func TestRemoveDir(t *testing.T) {
	ops, dir := newTestFileOps(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))

	require.NoError(t, ops.RemoveDir(sub, ""))
	assert.False(t, ops.Exists(sub, ""))

	assert.ErrorIs(t, ops.RemoveDir(sub, ""), domain.ErrNotFound)
	assert.ErrorIs(t, ops.RemoveDir(dir, ""), domain.ErrInvalidInput)
}

func TestEnsureDirAndUsage(t *testing.T) {
	ops, dir := newTestFileOps(t)

	sess, err := ops.EnsureDir("sess", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sess"), sess)

	info, err := os.Stat(sess)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	_, err = ops.AtomicWrite(filepath.Join(sess, "a"), []byte("12345"), "")
	require.NoError(t, err)
	_, err = ops.EnsureDir(filepath.Join("sess", "inner"), "")
	require.NoError(t, err)
	_, err = ops.AtomicWrite(filepath.Join(sess, "inner", "b"), []byte("123"), "")
	require.NoError(t, err)

	files, dirs, size, err := ops.Usage(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	assert.Equal(t, 2, dirs)
	assert.Equal(t, int64(8), size)

	files, dirs, size, err = ops.Usage(filepath.Join(dir, "missing"), "")
	require.NoError(t, err)
	assert.Zero(t, files)
	assert.Zero(t, dirs)
	assert.Zero(t, size)
}

func TestListDirectoryAndInfo(t *testing.T) {
	ops, dir := newTestFileOps(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("bb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp_a_123"), []byte("partial"), 0o600))

	entries, err := ops.ListDirectory(dir, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)

	fi, err := ops.Info(filepath.Join(dir, "b"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fi.Size)
	assert.False(t, fi.IsDir)

	_, err = ops.Info(filepath.Join(dir, "nope"), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ops.ListDirectory(filepath.Join(dir, "nope"), "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifyingCopy(t *testing.T) {
	ops, _ := newTestFileOps(t)
	v := ops.Verifying()
	assert.True(t, v.verify)
	assert.False(t, ops.verify)
	assert.Same(t, ops.Sandbox(), v.Sandbox())
}

func TestRenameErrorUnwrap(t *testing.T) {
	inner := domain.NewDomainError("op", domain.ErrResource, "rename")
	err := error(RenameError{Err: inner, tempPath: "/tmp/x"})

	var re RenameError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "/tmp/x", re.TempPath())
	assert.ErrorIs(t, err, domain.ErrResource)
}
