package preprocess

import (
	"image"
	"image/color"
)

// toGray converts any decoded image to 8-bit grayscale using the standard
// luminance weights.
func toGray(src image.Image) *image.Gray {
	if gray, ok := src.(*image.Gray); ok {
		return gray
	}
	bounds := src.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels
			luma := (299*r + 587*g + 114*b) / 1000
			gray.SetGray(x, y, color.Gray{Y: uint8(luma >> 8)})
		}
	}
	return gray
}

// stepGrayscale is a no-op over an already-gray buffer; it exists so that
// configured pipelines read the same as everywhere else in the ecosystem.
func stepGrayscale(src *image.Gray, _ Params) *image.Gray {
	return src
}

// stepContrast applies linear contrast scaling around mid-gray.
func stepContrast(src *image.Gray, params Params) *image.Gray {
	factor := params.ContrastFactor
	if factor == 0 {
		factor = 1
	}
	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := float64(src.GrayAt(x, y).Y)
			scaled := 128 + factor*(v-128)
			out.SetGray(x, y, color.Gray{Y: clampByte(scaled)})
		}
	}
	return out
}

// stepResize scales the longest side to max_dim_px, preserving aspect, via
// bilinear sampling. Images already at the target size pass through.
func stepResize(src *image.Gray, params Params) *image.Gray {
	if params.MaxDimPx <= 0 {
		return src
	}
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	longest := width
	if height > longest {
		longest = height
	}
	if longest == params.MaxDimPx {
		return src
	}
	scale := float64(params.MaxDimPx) / float64(longest)
	outWidth := int(float64(width)*scale + 0.5)
	outHeight := int(float64(height)*scale + 0.5)
	if outWidth < 1 {
		outWidth = 1
	}
	if outHeight < 1 {
		outHeight = 1
	}
	out := image.NewGray(image.Rect(0, 0, outWidth, outHeight))
	for y := 0; y < outHeight; y++ {
		for x := 0; x < outWidth; x++ {
			srcX := (float64(x) + 0.5) / scale
			srcY := (float64(y) + 0.5) / scale
			out.SetGray(x, y, color.Gray{Y: bilinear(src, srcX-0.5, srcY-0.5)})
		}
	}
	return out
}

// bilinear samples src at fractional coordinates, clamping at the edges.
func bilinear(src *image.Gray, x, y float64) uint8 {
	bounds := src.Bounds()
	x0 := int(x)
	y0 := int(y)
	fx := x - float64(x0)
	fy := y - float64(y0)
	sample := func(sx, sy int) float64 {
		if sx < bounds.Min.X {
			sx = bounds.Min.X
		}
		if sx >= bounds.Max.X {
			sx = bounds.Max.X - 1
		}
		if sy < bounds.Min.Y {
			sy = bounds.Min.Y
		}
		if sy >= bounds.Max.Y {
			sy = bounds.Max.Y - 1
		}
		return float64(src.GrayAt(sx, sy).Y)
	}
	top := sample(x0, y0)*(1-fx) + sample(x0+1, y0)*fx
	bottom := sample(x0, y0+1)*(1-fx) + sample(x0+1, y0+1)*fx
	return clampByte(top*(1-fy) + bottom*fy)
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
