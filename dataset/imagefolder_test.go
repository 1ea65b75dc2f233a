package dataset

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func makeImageFolder(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for i, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, filepath.Join(root, "train", "red", name), 8+i, 6, red)
		writePNG(t, filepath.Join(root, "train", "blue", name), 6, 8+i, blue)
	}
	writePNG(t, filepath.Join(root, "test", "blue", "x.png"), 5, 5, blue)
	if err := os.WriteFile(filepath.Join(root, "train", "red", "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return root
}

func TestLoadImageFolder(t *testing.T) {
	root := makeImageFolder(t)
	train, test, shape, err := LoadImageFolder(root, 4, 2)
	if err != nil {
		t.Fatalf("LoadImageFolder failed: %v", err)
	}
	if shape != (ImageShape{Height: 4, Width: 4, Channels: 3}) {
		t.Errorf("Unexpected shape %+v", shape)
	}
	if train.Len() != 6 || test.Len() != 1 {
		t.Fatalf("Expected 6 train and 1 test images, got %d and %d", train.Len(), test.Len())
	}
	if train.NumClasses() != 2 || train.Dim() != 48 {
		t.Errorf("Expected 2 classes of dim 48, got %d and %d", train.NumClasses(), train.Dim())
	}

	// sorted class names: blue is 0, red is 1
	x, label, err := test.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if label != 0 {
		t.Errorf("Expected test label 0 (blue), got %d", label)
	}
	for i, want := range map[int]float32{0: -1, 16: -1, 32: 1, 47: 1} {
		if math.Abs(float64(x[i]-want)) > 1e-4 {
			t.Errorf("Pixel %d: expected %v, got %v", i, want, x[i])
		}
	}
}

func TestLoadImageFolderRejectsUnknownTestClass(t *testing.T) {
	root := makeImageFolder(t)
	writePNG(t, filepath.Join(root, "test", "green", "g.png"), 4, 4, color.RGBA{G: 255, A: 255})
	if _, _, _, err := LoadImageFolder(root, 4, 1); err == nil {
		t.Error("Expected error for a class missing from the training set")
	}
	if _, _, _, err := LoadImageFolder(t.TempDir(), 4, 1); err == nil {
		t.Error("Expected error for an empty root")
	}
}

func TestColourAugmentationKeepsPlanes(t *testing.T) {
	shape := ImageShape{Height: 2, Width: 2, Channels: 3}
	x := []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}
	flipped := append([]float32(nil), x...)
	flipHorizontal(flipped, shape)
	want := []float32{2, 1, 4, 3, 6, 5, 8, 7, 10, 9, 12, 11}
	for i := range want {
		if flipped[i] != want[i] {
			t.Fatalf("Flip: expected %v, got %v", want, flipped)
		}
	}

	shifted := translate(x, shape, 1, 0)
	want = []float32{0, 0, 1, 2, 0, 0, 5, 6, 0, 0, 9, 10}
	for i := range want {
		if shifted[i] != want[i] {
			t.Fatalf("Translate: expected %v, got %v", want, shifted)
		}
	}

	cut := append([]float32(nil), x...)
	cutout(cut, shape, 4, rand.New(rand.NewSource(1)))
	for i, v := range cut {
		if v != 0 {
			t.Fatalf("A cutout covering the image should zero every plane, got %v at %d", v, i)
		}
	}
}
