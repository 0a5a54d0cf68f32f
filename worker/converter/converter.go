package converter

import (
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

// Still describes a prepared scene image ready for encoding.
type Still struct {
	Path   string
	Width  int
	Height int
}

type Converter struct {
	logger   *zap.Logger
	maxWidth int
}

// NewConverter returns a converter that scales images wider than maxWidth down to it.
// A maxWidth of zero keeps the source width.
func NewConverter(logger *zap.Logger, maxWidth int) *Converter {
	return &Converter{logger: logger, maxWidth: maxWidth}
}

// PrepareStill decodes any supported image, bounds its width, forces even
// dimensions (required by yuv420p encoders) and writes it as PNG to outputPath.
func (c *Converter) PrepareStill(inputPath, outputPath string) (Still, error) {
	c.logger.Debug("Preparing still",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
	)

	src, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		c.logger.Error("Failed to open image",
			zap.String("path", inputPath),
			zap.Error(err),
		)
		return Still{}, fmt.Errorf("failed to open image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < 2 || height < 2 {
		return Still{}, fmt.Errorf("image %s is too small: %dx%d", inputPath, width, height)
	}

	if c.maxWidth > 0 && width > c.maxWidth {
		height = height * c.maxWidth / width
		width = c.maxWidth
	}
	width, height = even(width), even(height)

	var processed *image.NRGBA
	if width != bounds.Dx() || height != bounds.Dy() {
		c.logger.Debug("Resizing still",
			zap.Int("width", width),
			zap.Int("height", height),
		)
		processed = imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)
	} else {
		processed = imaging.Clone(src)
	}

	if err := imaging.Save(processed, outputPath, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		c.logger.Error("Failed to save still",
			zap.String("path", outputPath),
			zap.Error(err),
		)
		return Still{}, fmt.Errorf("failed to save still: %w", err)
	}

	return Still{Path: outputPath, Width: width, Height: height}, nil
}

func even(n int) int {
	if n%2 == 1 {
		n--
	}
	if n < 2 {
		n = 2
	}
	return n
}
