package preprocess

import (
	"image"
	"image/color"
	"math"
)

// darkThreshold separates text pixels from background for the skew
// estimate.
const darkThreshold = 128

// stepDeskew estimates the text skew from the principal axis of the
// dark-pixel distribution and rotates the image back to horizontal. The
// canvas expands to fit and the background fills with white.
func stepDeskew(src *image.Gray, _ Params) *image.Gray {
	angle := skewAngle(src)
	if math.Abs(angle) < 0.05 {
		return src
	}
	return rotate(src, -angle)
}

// skewAngle returns the rotation of the dark-pixel principal axis away from
// horizontal, in degrees, via eigendecomposition of the 2x2 covariance
// matrix of dark-pixel coordinates.
func skewAngle(src *image.Gray) float64 {
	bounds := src.Bounds()
	var count, sumX, sumY float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if src.GrayAt(x, y).Y < darkThreshold {
				count++
				sumX += float64(x)
				sumY += float64(y)
			}
		}
	}
	if count < 2 {
		return 0
	}
	meanX, meanY := sumX/count, sumY/count

	var covXX, covYY, covXY float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if src.GrayAt(x, y).Y < darkThreshold {
				dx := float64(x) - meanX
				dy := float64(y) - meanY
				covXX += dx * dx
				covYY += dy * dy
				covXY += dx * dy
			}
		}
	}
	covXX /= count
	covYY /= count
	covXY /= count

	// principal eigenvector of [[covXX, covXY], [covXY, covYY]]
	trace := covXX + covYY
	det := covXX*covYY - covXY*covXY
	lambda := trace/2 + math.Sqrt(trace*trace/4-det)
	var vx, vy float64
	if math.Abs(covXY) > 1e-12 {
		vx, vy = lambda-covYY, covXY
	} else if covXX >= covYY {
		vx, vy = 1, 0
	} else {
		vx, vy = 0, 1
	}
	angle := math.Atan2(vy, vx) * 180 / math.Pi
	// fold into [-45, 45]: text lines are closer to horizontal than
	// vertical
	for angle > 45 {
		angle -= 90
	}
	for angle < -45 {
		angle += 90
	}
	return angle
}

// rotate turns src by degrees around its center, expanding the canvas and
// filling the background with white.
func rotate(src *image.Gray, degrees float64) *image.Gray {
	radians := degrees * math.Pi / 180
	sin, cos := math.Sin(radians), math.Cos(radians)
	bounds := src.Bounds()
	width, height := float64(bounds.Dx()), float64(bounds.Dy())

	outWidth := int(math.Ceil(math.Abs(width*cos) + math.Abs(height*sin)))
	outHeight := int(math.Ceil(math.Abs(width*sin) + math.Abs(height*cos)))
	out := image.NewGray(image.Rect(0, 0, outWidth, outHeight))

	srcCX := float64(bounds.Min.X) + width/2
	srcCY := float64(bounds.Min.Y) + height/2
	outCX := float64(outWidth) / 2
	outCY := float64(outHeight) / 2

	for y := 0; y < outHeight; y++ {
		for x := 0; x < outWidth; x++ {
			// inverse map into source space
			dx := float64(x) + 0.5 - outCX
			dy := float64(y) + 0.5 - outCY
			srcX := cos*dx + sin*dy + srcCX - 0.5
			srcY := -sin*dx + cos*dy + srcCY - 0.5
			if srcX < float64(bounds.Min.X)-0.5 || srcX > float64(bounds.Max.X)-0.5 ||
				srcY < float64(bounds.Min.Y)-0.5 || srcY > float64(bounds.Max.Y)-0.5 {
				out.SetGray(x, y, color.Gray{Y: 255})
				continue
			}
			out.SetGray(x, y, color.Gray{Y: bilinear(src, srcX, srcY)})
		}
	}
	return out
}
