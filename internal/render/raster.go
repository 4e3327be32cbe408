package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"

	xdraw "golang.org/x/image/draw"
)

// adaptive threshold parameters: mean of a square window, biased so light
// paper texture stays white
const (
	thresholdWindow = 31
	thresholdBias   = 10
)

// rasterize renders one page to PNG at the configured DPI, preserving the
// page's native aspect ratio, and returns both the full-resolution original
// and a grayscale adaptive-threshold enhancement downscaled for the model.
func (r *Renderer) rasterize(ctx context.Context, path string, pageIndex int) (PageContent, error) {
	tmpDir, err := os.MkdirTemp("", "dx-pp-*")
	if err != nil {
		return PageContent{}, err
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			r.logger.Warn("render.raster.tmp_cleanup_failed", "dir", tmpDir, "error", rmErr)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	page := fmt.Sprintf("%d", pageIndex+1)
	// pdftoppm -f N -l N -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := r.runner.Run(ctx, r.cfg.Pdftoppm,
		"-f", page, "-l", page,
		"-r", fmt.Sprintf("%d", r.cfg.DPI),
		"-png", path, prefix)
	if err != nil {
		return PageContent{}, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return PageContent{}, fmt.Errorf("pdftoppm produced no image for page %d", pageIndex+1)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		return PageContent{}, err
	}
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return PageContent{}, fmt.Errorf("decode rendered page: %w", err)
	}

	enhanced := enhance(src)
	model := downscale(enhanced, r.cfg.MaxImageDim)

	modelPNG, err := encodePNG(model)
	if err != nil {
		return PageContent{}, err
	}

	b := src.Bounds()
	return PageContent{
		Type:        ContentImage,
		Method:      "pdf-raster",
		ImagePNG:    modelPNG,
		OriginalPNG: data,
		Width:       model.Bounds().Dx(),
		Height:      model.Bounds().Dy(),
		OrigWidth:   b.Dx(),
		OrigHeight:  b.Dy(),
	}, nil
}

// enhance converts to grayscale and applies a mean adaptive threshold, which
// flattens shadows and paper texture so glyph edges survive downscaling.
func enhance(src image.Image) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	gray := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.Draw(gray, gray.Bounds(), src, b.Min, xdraw.Src)

	// integral image for O(1) window means
	integral := make([]uint64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum uint64
		for x := 0; x < w; x++ {
			rowSum += uint64(gray.GrayAt(x, y).Y)
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	half := thresholdWindow / 2
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y0, y1 := maxInt(0, y-half), minInt(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := maxInt(0, x-half), minInt(w-1, x+half)
			area := uint64((x1 - x0 + 1) * (y1 - y0 + 1))
			sum := integral[(y1+1)*(w+1)+x1+1] -
				integral[y0*(w+1)+x1+1] -
				integral[(y1+1)*(w+1)+x0] +
				integral[y0*(w+1)+x0]
			mean := sum / area
			if uint64(gray.GrayAt(x, y).Y)+thresholdBias < mean {
				out.SetGray(x, y, color.Gray{Y: 0})
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// downscale shrinks the image so its longest side fits maxDim, preserving
// aspect ratio. Images already inside the bound are returned as-is.
func downscale(src *image.Gray, maxDim int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := maxInt(w, h)
	if longest <= maxDim {
		return src
	}
	scale := float64(maxDim) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewGray(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
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
