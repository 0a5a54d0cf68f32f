package comfyui

import (
	"context"
	"fmt"
	"hash/fnv"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Placeholder renders a solid still whose colour is derived from the prompt. It stands in
// for a real image server during development and in tests.
type Placeholder struct {
	Width  int
	Height int
}

func NewPlaceholder(width, height int) *Placeholder {
	if width <= 0 {
		width = 1152
	}
	if height <= 0 {
		height = 2048
	}
	return &Placeholder{Width: width, Height: height}
}

func (p *Placeholder) Synthesize(ctx context.Context, prompt, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if prompt == "" {
		return fmt.Errorf("empty prompt")
	}

	h := fnv.New32a()
	h.Write([]byte(prompt))
	sum := h.Sum32()
	fill := color.NRGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 255}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}
	if err := imaging.Save(imaging.New(p.Width, p.Height, fill), path); err != nil {
		return fmt.Errorf("save placeholder: %w", err)
	}
	return nil
}
