package logsink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

func keep(n int) *int { return &n }

func TestRotatingFile_RotatesAndKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "web.out")
	r, err := Open(protocol.LogSinkSpec{Path: path, MaxBytes: 10, Backups: keep(2)})
	require.NoError(t, err)
	defer r.Close()

	for _, chunk := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n", "dddddddd\n"} {
		_, err := r.Write([]byte(chunk))
		require.NoError(t, err)
	}

	read := func(p string) string {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "dddddddd\n", read(path))
	assert.Equal(t, "cccccccc\n", read(path+".1"))
	assert.Equal(t, "bbbbbbbb\n", read(path+".2"))
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only two backups are kept")
}

func TestRotatingFile_ZeroBackupsKeepsOnlyCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.out")
	r, err := Open(protocol.LogSinkSpec{Path: path, MaxBytes: 10, Backups: keep(0)})
	require.NoError(t, err)
	defer r.Close()

	for _, chunk := range []string{"aaaaaaaa\n", "bbbbbbbb\n", "cccccccc\n"} {
		_, err := r.Write([]byte(chunk))
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cccccccc\n", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no rotated files are kept")
}

func TestRotatingFile_UnsetBackupsUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "web.out")
	r, err := Open(protocol.LogSinkSpec{Path: path, MaxBytes: 2})
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < consts.DefaultLogBackups+3; i++ {
		_, err := r.Write([]byte("x\n"))
		require.NoError(t, err)
	}
	_, err = os.Stat(fmt.Sprintf("%s.%d", path, consts.DefaultLogBackups))
	assert.NoError(t, err)
	_, err = os.Stat(fmt.Sprintf("%s.%d", path, consts.DefaultLogBackups+1))
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingFile_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "web.err")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	r, err := Open(protocol.LogSinkSpec{Path: path, MaxBytes: 1024, Backups: keep(1)})
	require.NoError(t, err)
	_, err = r.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))

	_, err = r.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingFile_OversizedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	r, err := Open(protocol.LogSinkSpec{Path: path, MaxBytes: 4, Backups: keep(1)})
	require.NoError(t, err)
	defer r.Close()

	line := strings.Repeat("x", 16)
	n, err := r.Write([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
}

func TestOpenOrDefault(t *testing.T) {
	var buf bytes.Buffer
	w, c, err := OpenOrDefault(protocol.LogSinkSpec{}, &buf)
	require.NoError(t, err)
	assert.Same(t, &buf, w)
	_, _ = w.Write([]byte("hi"))
	require.NoError(t, c.Close())
	assert.Equal(t, "hi", buf.String())

	path := filepath.Join(t.TempDir(), "out.log")
	w, c, err = OpenOrDefault(protocol.LogSinkSpec{Path: path}, &buf)
	require.NoError(t, err)
	_, _ = w.Write([]byte("file"))
	require.NoError(t, c.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file", string(data))

	_, err = Open(protocol.LogSinkSpec{})
	assert.Error(t, err)
}
