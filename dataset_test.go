package main

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFakeDataDeterministic verifies a sample depends only on its index.
func TestFakeDataDeterministic(t *testing.T) {
	ds := NewFakeData(100, 10, 8, 42)
	require.Equal(t, 100, ds.Len())
	require.Equal(t, 10, ds.NumClasses())
	require.Equal(t, 8, ds.ImageSize())

	a := make([]float32, 3*8*8)
	b := make([]float32, 3*8*8)
	labelA, err := ds.Sample(17, a)
	require.NoError(t, err)
	labelB, err := ds.Sample(17, b)
	require.NoError(t, err)

	require.Equal(t, labelA, labelB)
	require.Equal(t, a, b)
	require.Equal(t, 17%10, labelA)
}

// TestFakeDataDistinctSamples verifies different indices yield different
// pixels.
func TestFakeDataDistinctSamples(t *testing.T) {
	ds := NewFakeData(100, 10, 8, 42)
	a := make([]float32, 3*8*8)
	b := make([]float32, 3*8*8)
	_, err := ds.Sample(0, a)
	require.NoError(t, err)
	_, err = ds.Sample(1, b)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func writeTestPNG(t *testing.T, path string, c color.RGBA, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// TestImageFolder verifies directory scanning, label assignment, and the
// evaluation transform.
func TestImageFolder(t *testing.T) {
	root := t.TempDir()
	for class, c := range map[string]color.RGBA{
		"ants": {255, 0, 0, 255},
		"bees": {0, 255, 0, 255},
	} {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeTestPNG(t, filepath.Join(dir, "a.png"), c, 40)
		writeTestPNG(t, filepath.Join(dir, "b.png"), c, 40)
	}

	ds, err := NewImageFolder(root, 8, false, 1)
	require.NoError(t, err)
	require.Equal(t, 4, ds.Len())
	require.Equal(t, 2, ds.NumClasses())

	// Classes are labeled in sorted directory order.
	require.Equal(t, 0, ds.ClassID["ants"])
	require.Equal(t, 1, ds.ClassID["bees"])

	out := make([]float32, 3*8*8)
	label, err := ds.Sample(0, out)
	require.NoError(t, err)
	require.Contains(t, []int{0, 1}, label)

	// Evaluation transform is deterministic.
	out2 := make([]float32, 3*8*8)
	label2, err := ds.Sample(0, out2)
	require.NoError(t, err)
	require.Equal(t, label, label2)
	require.Equal(t, out, out2)
}

// TestImageFolderTrainTransforms verifies the training transform still fills
// a valid normalized sample.
func TestImageFolderTrainTransforms(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "cats")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeTestPNG(t, filepath.Join(dir, "a.png"), color.RGBA{120, 60, 200, 255}, 40)

	ds, err := NewImageFolder(root, 16, true, 7)
	require.NoError(t, err)

	out := make([]float32, 3*16*16)
	label, err := ds.Sample(0, out)
	require.NoError(t, err)
	require.Equal(t, 0, label)

	// A solid-color image normalizes to one value per channel regardless of
	// crop geometry.
	for c := 0; c < 3; c++ {
		first := out[c*16*16]
		for j := 0; j < 16*16; j++ {
			require.InDelta(t, first, out[c*16*16+j], 1e-4)
		}
	}
}

// TestImageFolderMissingRoot verifies a clear error for a bad path.
func TestImageFolderMissingRoot(t *testing.T) {
	_, err := NewImageFolder(filepath.Join(t.TempDir(), "nope"), 8, false, 1)
	require.Error(t, err)
}

// TestImageFolderEmptyRoot verifies class-free directories are rejected.
func TestImageFolderEmptyRoot(t *testing.T) {
	_, err := NewImageFolder(t.TempDir(), 8, false, 1)
	require.Error(t, err)
}

// TestNormalizeCHW verifies the channel-planar layout and ImageNet
// normalization.
func TestNormalizeCHW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 0, 0, 255})
		}
	}
	out := make([]float32, 3*2*2)
	normalizeCHW(img, out, 2)

	// Red channel: (1.0 - mean) / std.
	wantR := (1.0 - imageNetMean[0]) / imageNetStd[0]
	wantG := (0.0 - imageNetMean[1]) / imageNetStd[1]
	for j := 0; j < 4; j++ {
		require.InDelta(t, wantR, out[j], 1e-5)
		require.InDelta(t, wantG, out[4+j], 1e-5)
	}
}
