package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/image/draw"
)

// ===========================================================================
// DATASETS AND TRANSFORMS
// ===========================================================================
//
// Two dataset sources:
//
//   FakeData    - deterministic synthetic images for benchmarking without a
//                 dataset on disk. Each sample is seeded by its index, and
//                 carries a label-correlated channel bias so a training run
//                 on fake data actually converges (useful for smoke tests).
//
//   ImageFolder - the class-per-subdirectory layout (train/n01440764/....jpg)
//                 with JPEG/PNG decoding. Training samples get a random
//                 resized crop plus horizontal flip; evaluation samples get
//                 the resize-then-center-crop pipeline.
//
// All samples come out as CHW float32 normalized with the ImageNet
// per-channel mean and standard deviation.
//
// ===========================================================================

// ImageNet normalization constants.
var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Dataset yields normalized CHW image samples with integer labels.
type Dataset interface {
	// Len returns the number of samples.
	Len() int

	// NumClasses returns the label-space size.
	NumClasses() int

	// ImageSize returns the square output resolution.
	ImageSize() int

	// Sample writes the 3*size*size CHW image for index into out and
	// returns its label. Safe for concurrent use.
	Sample(index int, out []float32) (int, error)
}

// ===========================================================================
// FAKE DATA
// ===========================================================================

// FakeData generates synthetic samples on the fly.
type FakeData struct {
	N       int
	Classes int
	Size    int
	Seed    int64
}

// NewFakeData creates a synthetic dataset of n samples.
func NewFakeData(n, classes, size int, seed int64) *FakeData {
	return &FakeData{N: n, Classes: classes, Size: size, Seed: seed}
}

func (d *FakeData) Len() int        { return d.N }
func (d *FakeData) NumClasses() int { return d.Classes }
func (d *FakeData) ImageSize() int  { return d.Size }

// Sample is deterministic per index: noise seeded by the index plus a
// label-dependent mean shift per channel.
func (d *FakeData) Sample(index int, out []float32) (int, error) {
	if index < 0 || index >= d.N {
		return 0, fmt.Errorf("fakedata: index %d out of range [0,%d)", index, d.N)
	}
	label := index % d.Classes
	rng := rand.New(rand.NewSource(d.Seed + int64(index)))
	hw := d.Size * d.Size
	for c := 0; c < 3; c++ {
		// Distinct per-class, per-channel bias keeps classes separable.
		bias := float32(0.5) * float32((label*(c+1))%d.Classes) / float32(d.Classes)
		for j := 0; j < hw; j++ {
			out[c*hw+j] = bias + float32(rng.NormFloat64())*0.25
		}
	}
	return label, nil
}

// ===========================================================================
// IMAGE FOLDER
// ===========================================================================

type imageEntry struct {
	path  string
	label int
}

// ImageFolder reads a class-per-subdirectory image tree.
type ImageFolder struct {
	Root    string
	Size    int
	Train   bool
	ClassID map[string]int

	entries []imageEntry
	seed    int64
	salt    atomic.Int64
}

// NewImageFolder scans root for class subdirectories. train selects the
// augmenting transform pipeline.
func NewImageFolder(root string, size int, train bool, seed int64) (*ImageFolder, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("imagefolder: read %s: %w", root, err)
	}

	var classes []string
	for _, d := range dirs {
		if d.IsDir() {
			classes = append(classes, d.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("imagefolder: no class directories under %s", root)
	}
	sort.Strings(classes)

	f := &ImageFolder{
		Root:    root,
		Size:    size,
		Train:   train,
		ClassID: make(map[string]int, len(classes)),
		seed:    seed,
	}
	for i, name := range classes {
		f.ClassID[name] = i
	}

	for _, name := range classes {
		files, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("imagefolder: read class %s: %w", name, err)
		}
		for _, file := range files {
			if file.IsDir() || !isImageFile(file.Name()) {
				continue
			}
			f.entries = append(f.entries, imageEntry{
				path:  filepath.Join(root, name, file.Name()),
				label: f.ClassID[name],
			})
		}
	}
	if len(f.entries) == 0 {
		return nil, fmt.Errorf("imagefolder: no images under %s", root)
	}
	return f, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func (f *ImageFolder) Len() int        { return len(f.entries) }
func (f *ImageFolder) NumClasses() int { return len(f.ClassID) }
func (f *ImageFolder) ImageSize() int  { return f.Size }

// Sample decodes and transforms one image.
func (f *ImageFolder) Sample(index int, out []float32) (int, error) {
	if index < 0 || index >= len(f.entries) {
		return 0, fmt.Errorf("imagefolder: index %d out of range [0,%d)", index, len(f.entries))
	}
	entry := f.entries[index]

	file, err := os.Open(entry.path)
	if err != nil {
		return 0, fmt.Errorf("imagefolder: open %s: %w", entry.path, err)
	}
	img, _, err := image.Decode(file)
	file.Close()
	if err != nil {
		return 0, fmt.Errorf("imagefolder: decode %s: %w", entry.path, err)
	}

	var rgba *image.RGBA
	if f.Train {
		rng := rand.New(rand.NewSource(f.seed + int64(index) + f.salt.Add(1)<<20))
		rgba = randomResizedCrop(img, f.Size, rng)
		if rng.Intn(2) == 1 {
			flipHorizontal(rgba)
		}
	} else {
		rgba = resizeCenterCrop(img, f.Size)
	}

	normalizeCHW(rgba, out, f.Size)
	return entry.label, nil
}

// ===========================================================================
// TRANSFORMS
// ===========================================================================

// scaleTo resamples src into a w x h RGBA image with Catmull-Rom filtering.
func scaleTo(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// resizeCenterCrop resizes the short side to size*256/224 (the conventional
// eval pipeline) and crops the center size x size region.
func resizeCenterCrop(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	short := size * 256 / 224
	w, h := b.Dx(), b.Dy()
	var rw, rh int
	if w < h {
		rw = short
		rh = h * short / w
	} else {
		rh = short
		rw = w * short / h
	}
	resized := scaleTo(src, rw, rh)

	x0 := (rw - size) / 2
	y0 := (rh - size) / 2
	return cropRGBA(resized, x0, y0, size)
}

// randomResizedCrop samples a crop covering 8-100% of the image area with
// aspect ratio in [3/4, 4/3], then resizes it to size x size.
func randomResizedCrop(src image.Image, size int, rng *rand.Rand) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	area := float64(w * h)

	for attempt := 0; attempt < 10; attempt++ {
		targetArea := area * (0.08 + rng.Float64()*0.92)
		ratio := 3.0/4.0 + rng.Float64()*(4.0/3.0-3.0/4.0)
		cw := int(math.Sqrt(targetArea * ratio))
		ch := int(math.Sqrt(targetArea / ratio))
		if cw <= 0 || ch <= 0 || cw > w || ch > h {
			continue
		}
		x0 := b.Min.X + rng.Intn(w-cw+1)
		y0 := b.Min.Y + rng.Intn(h-ch+1)
		sub := image.Rect(x0, y0, x0+cw, y0+ch)
		dst := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, sub, draw.Src, nil)
		return dst
	}
	// Fallback: deterministic center crop.
	return resizeCenterCrop(src, size)
}

func cropRGBA(src *image.RGBA, x0, y0, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		srcOff := src.PixOffset(x0, y0+y)
		dstOff := dst.PixOffset(0, y)
		copy(dst.Pix[dstOff:dstOff+4*size], src.Pix[srcOff:srcOff+4*size])
	}
	return dst
}

func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w/2; x++ {
			l := img.PixOffset(x, y)
			r := img.PixOffset(w-1-x, y)
			for k := 0; k < 4; k++ {
				img.Pix[l+k], img.Pix[r+k] = img.Pix[r+k], img.Pix[l+k]
			}
		}
	}
}

// normalizeCHW converts an RGBA image to normalized CHW float32.
func normalizeCHW(img *image.RGBA, out []float32, size int) {
	hw := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := img.PixOffset(x, y)
			j := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) / 255
				out[c*hw+j] = (v - imageNetMean[c]) / imageNetStd[c]
			}
		}
	}
}
