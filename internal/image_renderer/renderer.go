package image_renderer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cshum/vipsgen/vips"

	"tilecache/internal/bitmap"
)

// Tile is a bitmap.Bitmap held in libvips memory.
type Tile struct {
	mu     sync.Mutex
	image  *vips.Image
	data   []byte
	format string
	width  int
	height int
}

func (t *Tile) Width() int     { return t.width }
func (t *Tile) Height() int    { return t.height }
func (t *Tile) Format() string { return t.format }
func (t *Tile) Bytes() []byte  { return t.data }

// Close releases the libvips image. Safe to call more than once.
func (t *Tile) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.image != nil {
		t.image.Close()
		t.image = nil
	}
}

// Decoder decodes tiles with libvips. vips.Startup must have been called.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(data []byte) (bitmap.Bitmap, error) {
	format := sniffFormat(data)
	image, err := loadBuffer(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile: %w", err)
	}
	return &Tile{
		image:  image,
		data:   data,
		format: format,
		width:  image.Width(),
		height: image.Height(),
	}, nil
}

// Scaler implements bitmap.Scaler with vips ExtractArea and Resize.
type Scaler struct{}

func NewScaler() *Scaler {
	return &Scaler{}
}

func (s *Scaler) ScaleRegion(src bitmap.Bitmap, x, y, size, out int) (bitmap.Bitmap, error) {
	if size <= 0 || out <= 0 {
		return nil, bitmap.ErrRegionTooSmall
	}

	// vips operations mutate the receiver, so work on a fresh copy
	// instead of the cached source image.
	format := sniffFormat(src.Bytes())
	image, err := loadBuffer(src.Bytes(), format)
	if err != nil {
		return nil, fmt.Errorf("failed to open source tile: %w", err)
	}

	if x+size > image.Width() || y+size > image.Height() {
		image.Close()
		return nil, fmt.Errorf("region %d,%d+%d outside %dx%d source", x, y, size, image.Width(), image.Height())
	}

	if err := image.ExtractArea(x, y, size, size); err != nil {
		image.Close()
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(float64(out)/float64(size), resizeOpts); err != nil {
		image.Close()
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	data, err := image.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		image.Close()
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	return &Tile{
		image:  image,
		data:   data,
		format: "png",
		width:  image.Width(),
		height: image.Height(),
	}, nil
}

func loadBuffer(data []byte, format string) (*vips.Image, error) {
	switch format {
	case "png":
		return vips.NewPngloadBuffer(data, vips.DefaultPngloadBufferOptions())
	case "jpeg":
		return vips.NewJpegloadBuffer(data, vips.DefaultJpegloadBufferOptions())
	case "webp":
		return vips.NewWebploadBuffer(data, vips.DefaultWebploadBufferOptions())
	case "gif":
		return vips.NewGifloadBuffer(data, vips.DefaultGifloadBufferOptions())
	default:
		return nil, fmt.Errorf("unsupported tile format")
	}
}

func sniffFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "jpeg"
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(data, []byte("GIF8")):
		return "gif"
	default:
		return ""
	}
}
