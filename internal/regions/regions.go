package regions

import "context"

// BBox is a pixel-space rectangle, [XMin,YMin] inclusive top-left.
type BBox struct {
	XMin int `json:"xmin"`
	YMin int `json:"ymin"`
	XMax int `json:"xmax"`
	YMax int `json:"ymax"`
}

func (b BBox) Width() int  { return b.XMax - b.XMin }
func (b BBox) Height() int { return b.YMax - b.YMin }
func (b BBox) Area() int   { return b.Width() * b.Height() }

// DetectionRegion is a labeled rectangle produced by a detector against the
// image actually sent to the model. It must be remapped before use against
// the full-resolution source image.
type DetectionRegion struct {
	Label        string  `json:"label"`
	Box          BBox    `json:"bbox"`
	Confidence   float32 `json:"confidence"`
	SourceWidth  int     `json:"source_width"`
	SourceHeight int     `json:"source_height"`
}

// Detector locates labeled regions in a PNG-encoded image.
// Enablement is decided per call by the pipeline, not by detector state.
type Detector interface {
	Detect(ctx context.Context, png []byte) ([]DetectionRegion, error)
}
