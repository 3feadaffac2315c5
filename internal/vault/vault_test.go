package vault

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVault(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "operator.vault")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadCaches(t *testing.T) {
	dir := t.TempDir()
	path := writeVault(t, dir, "first")

	l, err := NewLoader(Options{CacheSize: 4})
	require.NoError(t, err)
	defer l.Close()

	content, err := l.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))

	// Served from the cache until invalidated.
	writeVault(t, dir, "second")
	content, _ = l.Load(path)
	assert.Equal(t, "first", string(content))

	l.Invalidate(path)
	content, _ = l.Load(path)
	assert.Equal(t, "second", string(content))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(Options{})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Load(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	empty := writeVault(t, dir, "")
	_, err = l.Load(empty)
	assert.Error(t, err)
}

func TestConcurrentLoads(t *testing.T) {
	path := writeVault(t, t.TempDir(), "shared")
	l, err := NewLoader(Options{CacheSize: 1})
	require.NoError(t, err)
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content, err := l.Load(path)
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(content))
		}()
	}
	wg.Wait()
}

func TestWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := writeVault(t, dir, "before")

	l, err := NewLoader(Options{CacheSize: 2, Watch: true})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Load(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	writeVault(t, dir, "after")

	assert.Eventually(t, func() bool {
		content, err := l.Load(path)
		return err == nil && string(content) == "after"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFingerprint(t *testing.T) {
	assert.Len(t, Fingerprint([]byte("x")), 12)
	assert.NotEqual(t, Fingerprint([]byte("x")), Fingerprint([]byte("y")))
}
