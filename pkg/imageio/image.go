// Package imageio reads and writes the external artifacts of a
// registration run: scalar images (JPEG, PNG, TIFF, DICOM, or a
// directory of numbered slices forming a volume), dense displacement
// fields, and affine matrix text files.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	dicomtag "github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/tiff"

	"greedyreg/pkg/grid"
)

// ReadImage loads a scalar image. A directory path is treated as a stack
// of numbered 2-D slices forming one 3-D volume; single files are decoded
// by extension. Intensities are normalized to the [0,1] range.
func ReadImage(path string) (*grid.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	if info.IsDir() {
		return readVolumeDir(path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".dcm" {
		return readDICOM(path)
	}
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return fromGray(img), nil
}

func decodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	defer file.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(file)
	case ".png":
		img, err = png.Decode(file)
	case ".tif", ".tiff":
		img, err = tiff.Decode(file)
	default:
		return nil, fmt.Errorf("%w: unsupported image format %q", grid.ErrConfiguration, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// readVolumeDir loads every recognized slice file in a directory, sorted
// by the numeric part of the filename so that slice order follows the
// acquisition sequence rather than lexical order.
func readVolumeDir(dir string) (*grid.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrResource, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".tif", ".tiff":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no slice images found in %s", grid.ErrResource, dir)
	}
	sort.Slice(names, func(i, j int) bool {
		return extractNumber(names[i]) < extractNumber(names[j])
	})

	var vol *grid.Image
	var width, height int
	for k, name := range names {
		img, err := decodeFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if vol == nil {
			width, height = b.Dx(), b.Dy()
			vol = grid.NewImage([]int{width, height, len(names)}, 1)
		} else if b.Dx() != width || b.Dy() != height {
			return nil, fmt.Errorf("%w: slice %s is %dx%d, expected %dx%d",
				grid.ErrConfiguration, name, b.Dx(), b.Dy(), width, height)
		}
		plane := vol.Data[k*width*height : (k+1)*width*height]
		grayInto(img, plane)
	}
	return vol, nil
}

// extractNumber pulls the numeric part out of a slice filename.
func extractNumber(filename string) int {
	numStr := ""
	for _, c := range filepath.Base(filename) {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}
	if numStr != "" {
		if num, err := strconv.Atoi(numStr); err == nil {
			return num
		}
	}
	return 0
}

func readDICOM(path string) (*grid.Image, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	el, err := ds.FindElementByTag(dicomtag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data in %s: %w", path, err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("%w: no frames in %s", grid.ErrResource, path)
	}
	img, err := info.Frames[0].GetImage()
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame of %s: %w", path, err)
	}
	return fromGray(img), nil
}

func fromGray(img image.Image) *grid.Image {
	b := img.Bounds()
	out := grid.NewImage([]int{b.Dx(), b.Dy()}, 1)
	grayInto(img, out.Data)
	return out
}

func grayInto(img image.Image, dst []float64) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dst[y*width+x] = float64(r) / 65535.0
		}
	}
}

// WriteImage persists a single-channel image. 2-D images become one
// 16-bit grayscale file chosen by extension; 3-D images are written as a
// directory of numbered PNG slices.
func WriteImage(im *grid.Image, path string) error {
	if im.Comp != 1 {
		return fmt.Errorf("%w: cannot write %d-channel image as grayscale", grid.ErrConfiguration, im.Comp)
	}
	switch im.NDim() {
	case 2:
		return encodeFile(toGray16(im.Data, im.Dims[0], im.Dims[1]), path)
	case 3:
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("%w: %v", grid.ErrResource, err)
		}
		width, height := im.Dims[0], im.Dims[1]
		for k := 0; k < im.Dims[2]; k++ {
			plane := im.Data[k*width*height : (k+1)*width*height]
			name := filepath.Join(path, fmt.Sprintf("slice_%03d.png", k))
			if err := encodeFile(toGray16(plane, width, height), name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot write %d-dimensional image", grid.ErrConfiguration, im.NDim())
	}
}

func toGray16(data []float64, width, height int) image.Image {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := data[y*width+x]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			img.Set(x, y, color.Gray16{Y: uint16(v * 65535.0)})
		}
	}
	return img
}

func encodeFile(img image.Image, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", grid.ErrResource, err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	case ".png":
		err = png.Encode(file, img)
	case ".tif", ".tiff":
		err = tiff.Encode(file, img, nil)
	default:
		return fmt.Errorf("%w: unsupported output format %q", grid.ErrConfiguration, path)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
