package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// DefaultMirror serves the gzipped idx files.
const DefaultMirror = "https://ossci-datasets.s3.amazonaws.com/mnist/"

const (
	trainImages = "train-images-idx3-ubyte.gz"
	trainLabels = "train-labels-idx1-ubyte.gz"
	testImages  = "t10k-images-idx3-ubyte.gz"
	testLabels  = "t10k-labels-idx1-ubyte.gz"

	imageMagic = 2051
	labelMagic = 2049

	// NumClasses is the number of digit classes.
	NumClasses = 10
)

// Digests are the SHA-256 digests of the published files.
var Digests = map[string]string{
	trainImages: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainLabels: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	testImages:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	testLabels:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

var (
	ErrNotDownloaded = errors.New("dataset not found and download disabled")
	ErrChecksum      = errors.New("dataset checksum mismatch")
	ErrFormat        = errors.New("malformed idx file")
)

// Options selects the split and where the files live.
type Options struct {
	Root     string // files are kept in <Root>/MNIST/raw
	Train    bool   // training split when set, test split otherwise
	Download bool
	Mirror   string // defaults to DefaultMirror
	Client   *http.Client

	// Digests overrides the expected SHA-256 digest per file name.
	Digests map[string]string
}

// MNIST is an in-memory split of the MNIST digits. It is immutable once loaded.
type MNIST struct {
	images     []byte // n * rows * cols pixels
	labels     []byte
	rows, cols int
}

// NewMNIST loads one split, downloading the files first when they are missing and
// opts.Download is set.
func NewMNIST(ctx context.Context, opts Options) (*MNIST, error) {
	imgName, lblName := testImages, testLabels
	if opts.Train {
		imgName, lblName = trainImages, trainLabels
	}
	dir := RawDir(opts.Root)

	raw := make(map[string][]byte, 2)
	for _, name := range []string{imgName, lblName} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if !opts.Download {
				return nil, fmt.Errorf("%w: %s", ErrNotDownloaded, path)
			}
			if err := download(ctx, opts, name, path); err != nil {
				return nil, err
			}
		}
		b, err := readVerified(path, opts.digest(name))
		if err != nil {
			return nil, err
		}
		raw[name] = b
	}

	d, err := decode(raw[imgName], raw[lblName])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	klog.V(1).Infof("loaded %d %dx%d images from %s", d.Len(), d.rows, d.cols, dir)
	return d, nil
}

// RawDir is the directory holding the downloaded files for root.
func RawDir(root string) string {
	return filepath.Join(root, "MNIST", "raw")
}

func (o Options) digest(name string) string {
	if d, ok := o.Digests[name]; ok {
		return d
	}
	return Digests[name]
}

func download(ctx context.Context, opts Options, name, path string) error {
	mirror := opts.Mirror
	if mirror == "" {
		mirror = DefaultMirror
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimSuffix(mirror, "/") + "/" + name
	klog.Infof("downloading %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get %s: unexpected status code %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+name+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if want := opts.digest(name); want != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return fmt.Errorf("%w: %s has sha256 %s, want %s", ErrChecksum, url, got, want)
		}
	}
	klog.Infof("downloaded %s (%d bytes)", name, n)
	return os.Rename(tmp.Name(), path)
}

// readVerified reads and gunzips path, checking the compressed bytes against digest.
func readVerified(path, digest string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if digest != "" {
		sum := sha256.Sum256(compressed)
		if got := hex.EncodeToString(sum[:]); got != digest {
			return nil, fmt.Errorf("%w: %s has sha256 %s, want %s", ErrChecksum, path, got, digest)
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

type labelHeader struct{ Magic, Num uint32 }

type imageHeader struct{ Magic, Num, Height, Width uint32 }

func decode(images, labels []byte) (*MNIST, error) {
	var ih imageHeader
	if err := binary.Read(bytes.NewReader(images), binary.BigEndian, &ih); err != nil {
		return nil, fmt.Errorf("%w: image header: %v", ErrFormat, err)
	}
	var lh labelHeader
	if err := binary.Read(bytes.NewReader(labels), binary.BigEndian, &lh); err != nil {
		return nil, fmt.Errorf("%w: label header: %v", ErrFormat, err)
	}
	if ih.Magic != imageMagic || lh.Magic != labelMagic {
		return nil, fmt.Errorf("%w: magic numbers %d and %d", ErrFormat, ih.Magic, lh.Magic)
	}
	if ih.Num != lh.Num {
		return nil, fmt.Errorf("%w: %d images but %d labels", ErrFormat, ih.Num, lh.Num)
	}

	n, rows, cols := int(ih.Num), int(ih.Height), int(ih.Width)
	pixels := images[16:]
	if len(pixels) != n*rows*cols {
		return nil, fmt.Errorf("%w: %d pixel bytes for %d %dx%d images", ErrFormat, len(pixels), n, rows, cols)
	}
	lbl := labels[8:]
	if len(lbl) != n {
		return nil, fmt.Errorf("%w: %d label bytes for %d labels", ErrFormat, len(lbl), n)
	}
	for i, l := range lbl {
		if l >= NumClasses {
			return nil, fmt.Errorf("%w: label %d at index %d", ErrFormat, l, i)
		}
	}
	return &MNIST{images: pixels, labels: lbl, rows: rows, cols: cols}, nil
}

// Len returns the number of items in the dataset
func (d *MNIST) Len() int {
	return len(d.labels)
}

// SampleShape is the shape of one image tensor, [1, rows, cols].
func (d *MNIST) SampleShape() []int {
	return []int{1, d.rows, d.cols}
}

// Load writes image index into dst scaled to [0, 1] and returns its label.
func (d *MNIST) Load(index int, dst []float32) (int32, error) {
	if index < 0 || index >= d.Len() {
		return 0, fmt.Errorf("index %d out of range [0, %d)", index, d.Len())
	}
	size := d.rows * d.cols
	if len(dst) != size {
		return 0, fmt.Errorf("destination holds %d values, want %d", len(dst), size)
	}
	for i, p := range d.images[index*size : (index+1)*size] {
		dst[i] = float32(p) / 255
	}
	return int32(d.labels[index]), nil
}

// ClassDistribution returns the number of samples per class
func (d *MNIST) ClassDistribution() [NumClasses]int {
	var dist [NumClasses]int
	for _, l := range d.labels {
		dist[l]++
	}
	return dist
}
