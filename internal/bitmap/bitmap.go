package bitmap

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrRegionTooSmall is returned when a scale request maps to less than one source pixel.
var ErrRegionTooSmall = errors.New("source region smaller than one pixel")

// Bitmap is a decoded tile image. The cache owns it once inserted and
// calls Close on eviction to release pixel memory.
type Bitmap interface {
	Width() int
	Height() int
	// Format is the encoding of Bytes, e.g. "png" or "jpeg".
	Format() string
	// Bytes returns the encoded tile as it was loaded or produced.
	Bytes() []byte
	Close()
}

type Decoder interface {
	Decode(data []byte) (Bitmap, error)
}

// Scaler crops the square (x, y, size) out of src and scales it to out x out pixels.
type Scaler interface {
	ScaleRegion(src Bitmap, x, y, size, out int) (Bitmap, error)
}

// Image is a Bitmap backed by the standard image packages.
type Image struct {
	mu     sync.Mutex
	img    image.Image
	data   []byte
	format string
	w, h   int
}

func NewImage(img image.Image, data []byte, format string) *Image {
	b := img.Bounds()
	return &Image{img: img, data: data, format: format, w: b.Dx(), h: b.Dy()}
}

func (i *Image) Width() int     { return i.w }
func (i *Image) Height() int    { return i.h }
func (i *Image) Format() string { return i.format }
func (i *Image) Bytes() []byte  { return i.data }

// Image returns the decoded pixels, or nil once closed.
func (i *Image) Image() image.Image {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.img
}

func (i *Image) Close() {
	i.mu.Lock()
	i.img = nil
	i.mu.Unlock()
}

type StdDecoder struct{}

func NewStdDecoder() *StdDecoder {
	return &StdDecoder{}
}

func (StdDecoder) Decode(data []byte) (Bitmap, error) {
	if len(data) == 0 {
		return nil, errors.New("empty tile data")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return NewImage(img, data, format), nil
}

// StdScaler resamples with Catmull-Rom and re-encodes as PNG.
type StdScaler struct {
	decoder StdDecoder
}

func NewStdScaler() *StdScaler {
	return &StdScaler{}
}

func (s *StdScaler) ScaleRegion(src Bitmap, x, y, size, out int) (Bitmap, error) {
	if size <= 0 || out <= 0 {
		return nil, ErrRegionTooSmall
	}

	var img image.Image
	if si, ok := src.(*Image); ok {
		img = si.Image()
	}
	if img == nil {
		decoded, err := s.decoder.Decode(src.Bytes())
		if err != nil {
			return nil, err
		}
		img = decoded.(*Image).img
	}

	b := img.Bounds()
	region := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+size, b.Min.Y+y+size)
	if !region.In(b) {
		return nil, fmt.Errorf("region %v outside source %v", region, b)
	}

	dst := image.NewRGBA(image.Rect(0, 0, out, out))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, region, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode scaled tile: %w", err)
	}
	return NewImage(dst, buf.Bytes(), "png"), nil
}
