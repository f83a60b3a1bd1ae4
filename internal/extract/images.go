package extract

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Images smaller than this on either side, or below MinImagePixels in
// area, are decorations or artifacts and are dropped.
const (
	DefaultMinImageSide = 100
	MinImagePixels      = 10000
)

// Asset is one kept image.
type Asset struct {
	Page int
	Name string
}

// RelPath is the asset path relative to the assets directory.
func (a Asset) RelPath() string {
	return ImagesDirName + "/" + a.Name
}

// Tag is the inline manuscript reference.
func (a Asset) Tag() string {
	return fmt.Sprintf("[ORIGINAL_ASSET: %s]", a.RelPath())
}

// pdfcpu names extracted images <base>_<page>_<object>.<ext>.
var pageSuffix = regexp.MustCompile(`_(\d+)_[^_]+$`)

func (e *Extractor) extractAssets(ctx context.Context, input, runDir string, conf *model.Configuration) ([]Asset, int, error) {
	raw, err := os.MkdirTemp("", "tome-images-*")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(raw)

	if err := api.ExtractImagesFile(input, raw, nil, conf); err != nil {
		return nil, 0, fmt.Errorf("pdfcpu image extraction: %w", err)
	}

	entries, err := os.ReadDir(raw)
	if err != nil {
		return nil, 0, err
	}
	names := make([]string, 0, len(entries))
	for _, en := range entries {
		if !en.IsDir() {
			names = append(names, en.Name())
		}
	}
	sort.Strings(names)

	dest := ImagesDir(runDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, 0, fmt.Errorf("failed to create assets dir: %w", err)
	}

	var (
		assets    []Asset
		discarded int
		perPage   = map[int]int{}
	)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return assets, discarded, err
		}
		page := pageOf(name)
		asset, ok, err := e.keepImage(filepath.Join(raw, name), dest, page, perPage[page]+1)
		if err != nil {
			e.logger.Debug("skipping unreadable image", "file", name, "error", err)
			discarded++
			continue
		}
		if !ok {
			discarded++
			continue
		}
		perPage[page]++
		assets = append(assets, asset)
	}
	e.logger.Info("extracted images", "kept", len(assets), "discarded", discarded)
	return assets, discarded, nil
}

// keepImage decodes src, drops it if it is too small, and otherwise
// re-encodes it as PNG under dest with a content-derived name.
func (e *Extractor) keepImage(src, dest string, page, idx int) (Asset, bool, error) {
	img, err := imaging.Open(src)
	if err != nil {
		return Asset{}, false, err
	}
	b := img.Bounds()
	if b.Dx() < e.minImageSide || b.Dy() < e.minImageSide || b.Dx()*b.Dy() < MinImagePixels {
		return Asset{}, false, nil
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return Asset{}, false, err
	}
	sum := md5.Sum(data)
	name := fmt.Sprintf("pg%d_img%d_%s.png", page, idx, hex.EncodeToString(sum[:])[:6])
	if err := imaging.Save(img, filepath.Join(dest, name)); err != nil {
		return Asset{}, false, err
	}
	return Asset{Page: page, Name: name}, true, nil
}

func pageOf(name string) int {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	m := pageSuffix.FindStringSubmatch(stem)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
