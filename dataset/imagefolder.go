package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultImageSize is the side length image folders are resized to.
const DefaultImageSize = 32

// ImageExtensions are the file types an image folder is scanned for.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageFolder lists the images of a directory with one subdirectory per
// class. Class indices follow the sorted subdirectory names.
type ImageFolder struct {
	Paths      []string
	Labels     []int
	ClassNames []string
}

// ScanImageFolder finds the images under root. When classNames is not nil
// the class indices are taken from it and unknown subdirectories are an
// error.
func ScanImageFolder(root string, classNames []string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	folder := &ImageFolder{ClassNames: classNames}
	classToIdx := make(map[string]int, len(classNames))
	for i, name := range classNames {
		classToIdx[name] = i
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		className := entry.Name()
		idx, ok := classToIdx[className]
		if !ok {
			if classNames != nil {
				return nil, fmt.Errorf("class %q in %s is not a training class", className, root)
			}
			idx = len(folder.ClassNames)
			folder.ClassNames = append(folder.ClassNames, className)
			classToIdx[className] = idx
		}

		files, err := os.ReadDir(filepath.Join(root, className))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", className, err)
		}
		for _, f := range files {
			if f.IsDir() || !hasImageExtension(f.Name()) {
				continue
			}
			folder.Paths = append(folder.Paths, filepath.Join(root, className, f.Name()))
			folder.Labels = append(folder.Labels, idx)
		}
	}

	if len(folder.Paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return folder, nil
}

func hasImageExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// DecodeImage decodes a JPEG or PNG file, resizes it to size x size by
// nearest-neighbour sampling and returns RGB values in CHW order scaled to
// [-1, 1].
func DecodeImage(path string, size int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	bounds := img.Bounds()
	scaleX := float64(bounds.Dx()) / float64(size)
	scaleY := float64(bounds.Dy()) / float64(size)
	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		srcY := bounds.Min.Y + min(int(float64(y)*scaleY), bounds.Dy()-1)
		for x := 0; x < size; x++ {
			srcX := bounds.Min.X + min(int(float64(x)*scaleX), bounds.Dx()-1)
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			idx := y*size + x
			data[idx] = float32(r)/32767.5 - 1
			data[plane+idx] = float32(g)/32767.5 - 1
			data[2*plane+idx] = float32(b)/32767.5 - 1
		}
	}
	return data, nil
}

// decodeAll decodes paths with a pool of workers, keeping their order.
func decodeAll(paths []string, size, workers int) ([][]float32, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([][]float32, len(paths))
	errs := make([]error, len(paths))

	jobs := make(chan int, len(paths))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = DecodeImage(paths[i], size)
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// LoadImageFolder reads root/train and root/test, both laid out as one
// subdirectory per class, into memory.
func LoadImageFolder(root string, size, workers int) (train, test *InMemory, shape ImageShape, err error) {
	if size <= 0 {
		return nil, nil, ImageShape{}, fmt.Errorf("image size must be positive, got %d", size)
	}
	trainFolder, err := ScanImageFolder(filepath.Join(root, "train"), nil)
	if err != nil {
		return nil, nil, ImageShape{}, err
	}
	testFolder, err := ScanImageFolder(filepath.Join(root, "test"), trainFolder.ClassNames)
	if err != nil {
		return nil, nil, ImageShape{}, err
	}

	numClasses := len(trainFolder.ClassNames)
	if train, err = loadFolder(trainFolder, numClasses, size, workers); err != nil {
		return nil, nil, ImageShape{}, err
	}
	if test, err = loadFolder(testFolder, numClasses, size, workers); err != nil {
		return nil, nil, ImageShape{}, err
	}
	return train, test, ImageShape{Height: size, Width: size, Channels: 3}, nil
}

func loadFolder(folder *ImageFolder, numClasses, size, workers int) (*InMemory, error) {
	samples, err := decodeAll(folder.Paths, size, workers)
	if err != nil {
		return nil, err
	}
	return NewInMemory(samples, folder.Labels, numClasses)
}
