package camera

import (
	"errors"
	"fmt"
)

// ErrInvalidROI marks a capture window that violates the sensor
// alignment constraints.
var ErrInvalidROI = errors.New("camera: invalid capture window")

// ROI is a rectangular capture window, defined by two corner points in
// sensor pixel coordinates.
type ROI struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

// Validate checks the sensor alignment constraints: the window must be
// non-degenerate, x1 must sit on an 8-pixel boundary, the width on a
// 16-pixel boundary, y1 on a 2-line boundary and the height on an
// 8-line boundary. The DMA engine transfers whole blocks, so windows
// off these boundaries produce sheared or shifted frames instead of a
// clean crop.
func (r ROI) Validate() error {
	if r.X2 <= r.X1 {
		return fmt.Errorf("%w: x2 (%d) must be greater than x1 (%d)", ErrInvalidROI, r.X2, r.X1)
	}
	if r.Y2 <= r.Y1 {
		return fmt.Errorf("%w: y2 (%d) must be greater than y1 (%d)", ErrInvalidROI, r.Y2, r.Y1)
	}
	if r.X1%8 != 0 {
		return fmt.Errorf("%w: x1 (%d) must be divisible by 8", ErrInvalidROI, r.X1)
	}
	if r.Width()%16 != 0 {
		return fmt.Errorf("%w: width (%d) must be divisible by 16", ErrInvalidROI, r.Width())
	}
	if r.Y1%2 != 0 {
		return fmt.Errorf("%w: y1 (%d) must be divisible by 2", ErrInvalidROI, r.Y1)
	}
	if r.Height()%8 != 0 {
		return fmt.Errorf("%w: height (%d) must be divisible by 8", ErrInvalidROI, r.Height())
	}
	return nil
}

// Width returns x2-x1.
func (r ROI) Width() int { return r.X2 - r.X1 }

// Height returns y2-y1.
func (r ROI) Height() int { return r.Y2 - r.Y1 }

func (r ROI) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X1, r.Y1, r.X2, r.Y2)
}
