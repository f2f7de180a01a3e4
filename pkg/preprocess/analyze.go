package preprocess

import (
	"fmt"
	"image"
	"os"
)

// TopFifthCoverage reports what percentage of an image's dark (ink) pixels
// sit in its top fifth. Labels photographed near the top edge suggest a
// partial scan, which downstream quality checks flag.
func TopFifthCoverage(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("could not open image %s: %w", path, err)
	}
	defer f.Close()
	decoded, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("could not decode image %s: %w", path, err)
	}
	gray := toGray(decoded)
	bounds := gray.Bounds()
	fifth := bounds.Min.Y + bounds.Dy()/5

	var total, top float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if gray.GrayAt(x, y).Y < darkThreshold {
				total++
				if y < fifth {
					top++
				}
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return top / total * 100, nil
}
