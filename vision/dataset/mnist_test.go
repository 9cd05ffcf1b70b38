package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gz(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// idxFiles builds gzipped image and label files of n 2x3 images; pixel j of image i is
// i*10+j and the label is i%10.
func idxFiles(t *testing.T, n int, labelCount int) (images, labels []byte) {
	t.Helper()
	var ib bytes.Buffer
	require.NoError(t, binary.Write(&ib, binary.BigEndian, imageHeader{imageMagic, uint32(n), 2, 3}))
	for i := 0; i < n; i++ {
		for j := 0; j < 6; j++ {
			ib.WriteByte(byte(i*10 + j))
		}
	}
	var lb bytes.Buffer
	require.NoError(t, binary.Write(&lb, binary.BigEndian, labelHeader{labelMagic, uint32(labelCount)}))
	for i := 0; i < labelCount; i++ {
		lb.WriteByte(byte(i % 10))
	}
	return gz(t, ib.Bytes()), gz(t, lb.Bytes())
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type mirror struct {
	files map[string][]byte
	hits  atomic.Int32
}

func (m *mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.hits.Add(1)
	b, ok := m.files[strings.TrimPrefix(r.URL.Path, "/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(b)
}

func newMirror(t *testing.T, images, labels []byte) (*mirror, Options) {
	t.Helper()
	m := &mirror{files: map[string][]byte{trainImages: images, trainLabels: labels}}
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return m, Options{
		Root:     t.TempDir(),
		Train:    true,
		Download: true,
		Mirror:   srv.URL + "/",
		Client:   srv.Client(),
		Digests:  map[string]string{trainImages: sha(images), trainLabels: sha(labels)},
	}
}

func TestDownloadAndLoad(t *testing.T) {
	images, labels := idxFiles(t, 4, 4)
	m, opts := newMirror(t, images, labels)

	d, err := NewMNIST(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Len())
	assert.Equal(t, []int{1, 2, 3}, d.SampleShape())
	assert.FileExists(t, filepath.Join(RawDir(opts.Root), trainImages))

	dst := make([]float32, 6)
	label, err := d.Load(3, dst)
	require.NoError(t, err)
	assert.Equal(t, int32(3), label)
	assert.InDelta(t, 30.0/255, dst[0], 1e-7)
	assert.InDelta(t, 35.0/255, dst[5], 1e-7)

	dist := d.ClassDistribution()
	assert.Equal(t, 1, dist[0])
	assert.Equal(t, 0, dist[9])

	// a second load uses the cached files
	hits := m.hits.Load()
	opts.Download = false
	_, err = NewMNIST(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, hits, m.hits.Load())
}

func TestMissingWithoutDownload(t *testing.T) {
	_, err := NewMNIST(context.Background(), Options{Root: t.TempDir()})
	assert.ErrorIs(t, err, ErrNotDownloaded)
}

func TestChecksumMismatch(t *testing.T) {
	images, labels := idxFiles(t, 2, 2)
	_, opts := newMirror(t, images, labels)
	opts.Digests[trainImages] = sha([]byte("something else"))

	_, err := NewMNIST(context.Background(), opts)
	assert.ErrorIs(t, err, ErrChecksum)

	entries, err := os.ReadDir(RawDir(opts.Root))
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed download leaves nothing behind")
}

func TestCorruptCachedFileIsDetected(t *testing.T) {
	images, labels := idxFiles(t, 2, 2)
	_, opts := newMirror(t, images, labels)
	_, err := NewMNIST(context.Background(), opts)
	require.NoError(t, err)

	path := filepath.Join(RawDir(opts.Root), trainLabels)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0644))
	_, err = NewMNIST(context.Background(), opts)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestMalformedFiles(t *testing.T) {
	images, labels := idxFiles(t, 3, 2)
	_, opts := newMirror(t, images, labels)
	_, err := NewMNIST(context.Background(), opts)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDownloadHTTPError(t *testing.T) {
	images, labels := idxFiles(t, 2, 2)
	m, opts := newMirror(t, images, labels)
	delete(m.files, trainLabels)

	_, err := NewMNIST(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestLoadBounds(t *testing.T) {
	images, labels := idxFiles(t, 2, 2)
	_, opts := newMirror(t, images, labels)
	d, err := NewMNIST(context.Background(), opts)
	require.NoError(t, err)

	_, err = d.Load(2, make([]float32, 6))
	assert.Error(t, err)
	_, err = d.Load(0, make([]float32, 5))
	assert.Error(t, err)
}
