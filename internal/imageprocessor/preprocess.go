package imageprocessor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// InputSize is the square edge, in pixels, every image is resized to.
const InputSize = 224

// Layout is the tensor memory order expected by the model input.
type Layout int

const (
	LayoutNHWC Layout = iota
	LayoutNCHW
)

// ImageNet channel means in BGR order, as used by ResNet50's caffe preprocessing.
var channelMeans = [3]float32{103.939, 116.779, 123.68}

// Decode parses image bytes and applies the EXIF orientation tag when present.
// Failures are returned as *DecodeFailure.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, &DecodeFailure{Err: errors.New("empty input")}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeFailure{Err: err}
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeFailure{Err: errors.New("image has no pixels")}
	}
	return orient(img, exifOrientation(data)), nil
}

// Preprocess decodes data and produces the model input tensor of shape
// [1, 224, 224, 3] (NHWC) or [1, 3, 224, 224] (NCHW).
func Preprocess(data []byte, layout Layout) ([]float32, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Tensor(Resize(img), layout), nil
}

// Resize drops alpha and stretches img to InputSize x InputSize with
// bilinear sampling.
func Resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, InputSize, InputSize))
	src := opaque(img)
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// opaque returns img with every pixel at full alpha, keeping the stored
// colour channels of non-premultiplied sources. Transparent pixels would
// otherwise scale as black.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var c color.NRGBA
			switch src := img.(type) {
			case *image.NRGBA:
				c = src.NRGBAAt(x, y)
			case *image.NRGBA64:
				c64 := src.NRGBA64At(x, y)
				c = color.NRGBA{R: uint8(c64.R >> 8), G: uint8(c64.G >> 8), B: uint8(c64.B >> 8)}
			default:
				c = color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			}
			c.A = 0xff
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}

// Tensor converts a resized RGBA image to BGR floats minus the channel means.
func Tensor(img *image.RGBA, layout Layout) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)
			bgr := [3]float32{
				float32(img.Pix[off+2]) - channelMeans[0],
				float32(img.Pix[off+1]) - channelMeans[1],
				float32(img.Pix[off]) - channelMeans[2],
			}
			p := y*w + x
			for c := 0; c < 3; c++ {
				if layout == LayoutNCHW {
					out[c*plane+p] = bgr[c]
				} else {
					out[p*3+c] = bgr[c]
				}
			}
		}
	}
	return out
}

// exifOrientation returns the EXIF orientation (1-8), or 1 when absent.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// orient returns img transformed so that it displays upright for the given
// EXIF orientation value.
func orient(img image.Image, orientation int) image.Image {
	if orientation <= 1 || orientation > 8 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if orientation >= 5 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for dy := 0; dy < dh; dy++ {
		for dx := 0; dx < dw; dx++ {
			var sx, sy int
			switch orientation {
			case 2:
				sx, sy = w-1-dx, dy
			case 3:
				sx, sy = w-1-dx, h-1-dy
			case 4:
				sx, sy = dx, h-1-dy
			case 5:
				sx, sy = dy, dx
			case 6:
				sx, sy = dy, h-1-dx
			case 7:
				sx, sy = w-1-dy, h-1-dx
			case 8:
				sx, sy = w-1-dy, dx
			}
			dst.Set(dx, dy, img.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}
