package conflate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.svg")
	require.NoError(t, RenderFile(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "<svg/>")
		return err
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(data))

	failing := filepath.Join(t.TempDir(), "c.svg")
	err = RenderFile(failing, func(io.Writer) error { return errors.New("boom") })
	assert.ErrorContains(t, err, "boom")
	_, err = os.Stat(failing)
	assert.True(t, os.IsNotExist(err), "failed renders leave no file")
}

func TestPrefetcher(t *testing.T) {
	dir := t.TempDir()
	p := NewPrefetcher(2, nil)

	var paths []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%d.txt", i))
		paths = append(paths, path)
		content := fmt.Sprint(i)
		assert.True(t, p.Submit(path, func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		}))
	}
	p.Close()

	for i, path := range paths {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(data))
	}

	assert.False(t, p.Submit(filepath.Join(dir, "late.txt"), func(io.Writer) error { return nil }),
		"closed prefetcher rejects jobs")
	p.Close()
}

func TestPrefetcher_SkipsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "done.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	p := NewPrefetcher(1, nil)
	defer p.Close()
	assert.False(t, p.Submit(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "new")
		return err
	}))
}

func TestPrefetcher_Dedupes(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	p := NewPrefetcher(1, nil)

	path := filepath.Join(dir, "slow.txt")
	assert.True(t, p.Submit(path, func(w io.Writer) error {
		<-release
		return nil
	}))
	assert.False(t, p.Submit(path, func(io.Writer) error { return nil }), "already pending")

	close(release)
	p.Close()
}
