package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_RotatesByRows(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir, MaxRows: 2}, nil)

	for i := 0; i < 5; i++ {
		r.Record("frame 201 1.000000 00 00 00 00 00 00 00 0" + string(rune('0'+i)))
	}
	r.Close()

	files, err := filepath.Glob(filepath.Join(dir, "frames_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	var lines []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		lines = append(lines, strings.Split(strings.TrimSpace(string(data)), "\n")...)
	}
	require.Len(t, lines, 5)
	assert.True(t, strings.HasSuffix(lines[4], " 04"))
}

func TestRecorder_Disabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "caps")
	r := New(Config{Path: dir}, nil)

	r.Record("frame 1 0 00 00 00 00 00 00 00 00")
	assert.Empty(t, r.Path())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	r.SetEnabled(true)
	assert.True(t, r.IsEnabled())
	r.Record("frame 1 0 00 00 00 00 00 00 00 00")
	path := r.Path()
	require.NotEmpty(t, path)
	require.NoError(t, r.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "frame 1 0 00 00 00 00 00 00 00 00\n", string(data))

	r.SetEnabled(false)
	assert.Empty(t, r.Path())
}

func TestRecorder_EachRecordReachesDisk(t *testing.T) {
	r := New(Config{Enabled: true, Path: t.TempDir()}, nil)
	defer r.Close()

	r.Record("frame 201 1.000000 00 00 00 00 00 00 00 01")
	r.Record("frame 201 1.100000 00 00 00 00 00 00 00 02")

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "frame 201 1.000000 00 00 00 00 00 00 00 01\nframe 201 1.100000 00 00 00 00 00 00 00 02\n", string(data))
}
