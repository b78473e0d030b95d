package encoder

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Magick re-encodes images with ImageMagick's MagickWand. Initialize must be
// called once per process before the first Encode.
type Magick struct {
	quality uint
}

// New returns a Magick encoder with the given compression quality.
func New(quality uint) *Magick {
	if quality == 0 || quality > 100 {
		quality = 90
	}
	return &Magick{quality: quality}
}

// Initialize sets up the ImageMagick environment. The returned function
// tears it down and should run at process exit.
func Initialize() func() {
	imagick.Initialize()
	return imagick.Terminate
}

// Encode decodes src from memory and writes it to outPath in the given
// format. The format must already be normalized.
func (m *Magick) Encode(ctx context.Context, src []byte, format, outPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(src); err != nil {
		return fmt.Errorf("read source image: %w", err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return fmt.Errorf("auto-orient: %w", err)
	}
	if err := mw.SetImageFormat(strings.ToUpper(format)); err != nil {
		return fmt.Errorf("set format %s: %w", format, err)
	}
	if format == "jpeg" || format == "webp" {
		if err := mw.SetImageCompressionQuality(m.quality); err != nil {
			return fmt.Errorf("set quality: %w", err)
		}
	}
	if err := mw.WriteImage(outPath); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}
