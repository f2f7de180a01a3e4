package preprocess

import (
	"image"
	"image/color"
	"math"
)

// stepBinarize dispatches on the configured method; "adaptive" routes to
// Sauvola, anything else to Otsu.
func stepBinarize(src *image.Gray, params Params) *image.Gray {
	if params.BinarizeMethod == "adaptive" {
		return stepAdaptiveThreshold(src, params)
	}
	return otsu(src)
}

// otsu computes the global threshold maximizing between-class variance over
// a 256-bin histogram and applies it.
func otsu(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	var histogram [256]int
	total := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			histogram[src.GrayAt(x, y).Y]++
			total++
		}
	}
	if total == 0 {
		return src
	}

	var sum float64
	for i, count := range histogram {
		sum += float64(i) * float64(count)
	}

	var sumBackground, weightBackground float64
	bestVariance := -1.0
	threshold := 0
	for i, count := range histogram {
		weightBackground += float64(count)
		if weightBackground == 0 {
			continue
		}
		weightForeground := float64(total) - weightBackground
		if weightForeground == 0 {
			break
		}
		sumBackground += float64(i) * float64(count)
		meanBackground := sumBackground / weightBackground
		meanForeground := (sum - sumBackground) / weightForeground
		diff := meanBackground - meanForeground
		variance := weightBackground * weightForeground * diff * diff
		if variance > bestVariance {
			bestVariance = variance
			threshold = i
		}
	}
	return applyThreshold(src, func(x, y int) uint8 {
		if int(src.GrayAt(x, y).Y) > threshold {
			return 255
		}
		return 0
	})
}

// stepAdaptiveThreshold applies the Sauvola local threshold
// t = mean * (1 + k*(stddev/r - 1)) over a sliding window, computed in
// O(pixels) with integral images.
func stepAdaptiveThreshold(src *image.Gray, params Params) *image.Gray {
	window := params.AdaptiveWindowSize
	if window < 3 {
		window = 3
	}
	if window%2 == 0 {
		window++
	}
	k := params.AdaptiveK
	if k == 0 {
		k = 0.2
	}
	const r = 128.0

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return src
	}
	// window may not exceed image dimensions
	if window > width {
		window = oddBelow(width)
	}
	if window > height {
		window = oddBelow(height)
	}
	half := window / 2

	// integral images of values and squared values, 1-indexed
	integral := make([]float64, (width+1)*(height+1))
	integralSq := make([]float64, (width+1)*(height+1))
	stride := width + 1
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			idx := (y+1)*stride + x + 1
			integral[idx] = v + integral[idx-1] + integral[idx-stride] - integral[idx-stride-1]
			integralSq[idx] = v*v + integralSq[idx-1] + integralSq[idx-stride] - integralSq[idx-stride-1]
		}
	}
	windowSum := func(table []float64, x0, y0, x1, y1 int) float64 {
		return table[(y1+1)*stride+x1+1] - table[y0*stride+x1+1] - table[(y1+1)*stride+x0] + table[y0*stride+x0]
	}

	out := image.NewGray(bounds)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			x0, y0 := maxInt(0, x-half), maxInt(0, y-half)
			x1, y1 := minInt(width-1, x+half), minInt(height-1, y+half)
			area := float64((x1 - x0 + 1) * (y1 - y0 + 1))
			mean := windowSum(integral, x0, y0, x1, y1) / area
			meanSq := windowSum(integralSq, x0, y0, x1, y1) / area
			variance := meanSq - mean*mean
			if variance < 0 {
				variance = 0
			}
			stddev := math.Sqrt(variance)
			threshold := mean * (1 + k*(stddev/r-1))
			v := float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			if v > threshold {
				out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 255})
			} else {
				out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 0})
			}
		}
	}
	return out
}

func applyThreshold(src *image.Gray, classify func(x, y int) uint8) *image.Gray {
	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.SetGray(x, y, color.Gray{Y: classify(x, y)})
		}
	}
	return out
}

func oddBelow(n int) int {
	if n%2 == 0 {
		n--
	}
	if n < 3 {
		return 3
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
