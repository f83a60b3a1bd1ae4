package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// EnhancedPrefix is prepended to enhanced asset file names.
const EnhancedPrefix = "pil_"

// Enhance writes a cleaned-up copy of src into dir and returns its path.
// An existing enhanced copy is reused.
func Enhance(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(src)
	out := filepath.Join(dir, EnhancedPrefix+strings.TrimSuffix(base, filepath.Ext(base))+".png")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", base, err)
	}
	enhanced := imaging.Sharpen(img, 0.8)
	enhanced = imaging.AdjustContrast(enhanced, 30)
	enhanced = imaging.AdjustBrightness(enhanced, 5)
	// Light denoise, then recover edges.
	enhanced = imaging.Blur(enhanced, 0.4)
	enhanced = imaging.Sharpen(enhanced, 0.6)

	if err := imaging.Save(enhanced, out); err != nil {
		return "", fmt.Errorf("save %s: %w", filepath.Base(out), err)
	}
	return out, nil
}
