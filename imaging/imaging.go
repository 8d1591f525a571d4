// Package imaging is the adapter to the image display surface. It decodes
// raster uploads into a fitted preview; formats it cannot decode (DICOM in
// particular) are reported as unsupported so callers can degrade.
package imaging

import (
	"bytes"
	"errors"
	"fmt"

	imgproc "github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// ErrUnsupported means the payload cannot be shown on this surface.
var ErrUnsupported = errors.New("unsupported image payload")

// Surface is a decoded preview ready for display.
type Surface struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Scale  float64 `json:"scale"`
	MIME   string  `json:"source_mime"`
	PNG    []byte  `json:"-"`
}

// Adapter owns the decode/display surface.
type Adapter interface {
	Available() bool
	Surface(data []byte) (*Surface, error)
}

type none struct{}

func (none) Available() bool { return false }

func (none) Surface([]byte) (*Surface, error) { return nil, ErrUnsupported }

// None is the adapter used when no display surface exists.
var None Adapter = none{}

// Raster decodes PNG, JPEG, GIF, TIFF and BMP payloads and fits them into a
// bounding box.
type Raster struct {
	maxWidth  int
	maxHeight int
}

// NewRaster creates a raster adapter; non-positive bounds default to 800x600.
func NewRaster(maxWidth, maxHeight int) *Raster {
	if maxWidth <= 0 {
		maxWidth = 800
	}
	if maxHeight <= 0 {
		maxHeight = 600
	}
	return &Raster{maxWidth: maxWidth, maxHeight: maxHeight}
}

func (r *Raster) Available() bool { return true }

// Surface decodes data and returns a preview no larger than the bounding box.
// Scale maps detector coordinates onto the preview.
func (r *Raster) Surface(data []byte) (*Surface, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupported)
	}

	mtype := mimetype.Detect(data)
	logger := log.WithField("mime", mtype.String())
	if mtype.Is("application/dicom") {
		logger.Debug("DICOM payload has no raster preview")
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mtype.String())
	}

	img, err := imgproc.Decode(bytes.NewReader(data), imgproc.AutoOrientation(true))
	if err != nil {
		logger.WithError(err).Debug("Payload could not be decoded")
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupported, mtype.String(), err)
	}

	orig := img.Bounds()
	fitted := imgproc.Fit(img, r.maxWidth, r.maxHeight, imgproc.Lanczos)
	bounds := fitted.Bounds()

	var buf bytes.Buffer
	if err := imgproc.Encode(&buf, fitted, imgproc.PNG); err != nil {
		return nil, fmt.Errorf("error encoding preview: %w", err)
	}

	scale := 1.0
	if orig.Dx() > 0 {
		scale = float64(bounds.Dx()) / float64(orig.Dx())
	}
	logger.WithFields(logrus.Fields{
		"width":  bounds.Dx(),
		"height": bounds.Dy(),
		"scale":  scale,
	}).Debug("Preview surface created")

	return &Surface{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Scale:  scale,
		MIME:   mtype.String(),
		PNG:    buf.Bytes(),
	}, nil
}

// SetLogLevel sets the logging level for the imaging package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
