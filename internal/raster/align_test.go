package raster

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAlignFileNoopWhenGridMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "already.tif")
	saveTestRaster(t, path, northUpGrid(20, 10), 300)

	ref, err := ReadGrid(path)
	require.NoError(t, err)

	a := NewAligner(zaptest.NewLogger(t))
	realigned, err := a.AlignFile(path, ref)
	require.NoError(t, err)
	assert.False(t, realigned)
}

func TestAlignFileResamplesOntoReferenceGrid(t *testing.T) {
	dir := t.TempDir()

	// Reference at 0.001 degree pixels, source covering the same extent at
	// half the pixel size.
	refPath := filepath.Join(dir, "ref.tif")
	saveTestRaster(t, refPath, northUpGrid(20, 10), 300)
	ref, err := ReadGrid(refPath)
	require.NoError(t, err)

	srcGrid := northUpGrid(40, 20)
	srcGrid.Transform[1] = 0.0005
	srcGrid.Transform[5] = -0.0005
	srcPath := filepath.Join(dir, "src.tif")
	saveTestRaster(t, srcPath, srcGrid, 7)

	a := NewAligner(zaptest.NewLogger(t))
	realigned, err := a.AlignFile(srcPath, ref)
	require.NoError(t, err)
	assert.True(t, realigned)

	got, err := LoadImage(srcPath)
	require.NoError(t, err)
	assert.True(t, got.Grid.SameGridAs(ref))

	// Constant input stays constant under bilinear resampling.
	for _, v := range got.Data[0] {
		assert.InDelta(t, 7, v, 1e-4)
	}

	// A second pass sees the stamped reference grid and does nothing.
	realigned, err = a.AlignFile(srcPath, ref)
	require.NoError(t, err)
	assert.False(t, realigned)
}

func TestAlignFileRejectsRotatedReference(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.tif")
	saveTestRaster(t, path, northUpGrid(20, 10), 300)

	ref := northUpGrid(20, 10)
	ref.Transform[2] = 0.0001

	a := NewAligner(zaptest.NewLogger(t))
	_, err := a.AlignFile(path, ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rotation")
}

func TestAlignImageReturnsSourceWhenAligned(t *testing.T) {
	g := northUpGrid(8, 4)
	img, err := NewImage(g)
	require.NoError(t, err)

	a := NewAligner(zaptest.NewLogger(t))
	out, err := a.AlignImage(img, g)
	require.NoError(t, err)
	assert.Same(t, img, out)
}

func TestAlignImageResamples(t *testing.T) {
	src := northUpGrid(16, 8)
	src.Transform[1] = 0.00125
	src.Transform[5] = -0.00125
	img, err := NewImage(src)
	require.NoError(t, err)
	for i := range img.Data[0] {
		img.Data[0][i] = 42
	}

	refPath := filepath.Join(t.TempDir(), "ref.tif")
	saveTestRaster(t, refPath, northUpGrid(20, 10), 0)
	ref, err := ReadGrid(refPath)
	require.NoError(t, err)

	a := NewAligner(zaptest.NewLogger(t))
	out, err := a.AlignImage(img, ref)
	require.NoError(t, err)
	assert.True(t, out.Grid.SameGridAs(ref))
	assert.InDelta(t, 42, out.Data[0][0], 1e-4)
}
