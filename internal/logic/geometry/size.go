package geometry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Size is a resolution in pixels.
type Size struct {
	Width  int `json:"width" yaml:"width_px"`
	Height int `json:"height" yaml:"height_px"`
}

// Area returns the number of pixels covered by the size.
func (s Size) Area() int64 { return int64(s.Width) * int64(s.Height) }

// Long returns the longer side, Short the shorter one. Comparing on
// long/short sides makes bounds independent of orientation.
func (s Size) Long() int  { return max(s.Width, s.Height) }
func (s Size) Short() int { return min(s.Width, s.Height) }

// IsZero reports whether the size is unset.
func (s Size) IsZero() bool { return s.Width == 0 && s.Height == 0 }

// Fits reports whether s fits within bound on both sides, regardless of
// orientation. A zero bound accepts everything.
func (s Size) Fits(bound Size) bool {
	if bound.IsZero() {
		return true
	}
	return s.Long() <= bound.Long() && s.Short() <= bound.Short()
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// AspectRatio is a width:height ratio such as 16:9.
type AspectRatio struct {
	Num, Den int
}

// ParseAspectRatio parses "16:9" style ratios.
func ParseAspectRatio(s string) (AspectRatio, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return AspectRatio{}, fmt.Errorf("aspect ratio %q: want N:D", s)
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return AspectRatio{}, fmt.Errorf("aspect ratio %q: %w", s, err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return AspectRatio{}, fmt.Errorf("aspect ratio %q: %w", s, err)
	}
	if num <= 0 || den <= 0 {
		return AspectRatio{}, fmt.Errorf("aspect ratio %q: both terms must be > 0", s)
	}
	return AspectRatio{Num: num, Den: den}, nil
}

// IsZero reports whether no ratio was requested.
func (a AspectRatio) IsZero() bool { return a.Num == 0 || a.Den == 0 }

// Matches reports whether size has exactly this ratio, in either orientation.
// A zero ratio matches every size.
func (a AspectRatio) Matches(s Size) bool {
	if a.IsZero() {
		return true
	}
	long, short := max(a.Num, a.Den), min(a.Num, a.Den)
	return int64(s.Long())*int64(short) == int64(s.Short())*int64(long)
}

func (a AspectRatio) String() string {
	if a.IsZero() {
		return "any"
	}
	return fmt.Sprintf("%d:%d", a.Num, a.Den)
}

// Filter returns the candidates that match aspect and fit within bound.
func Filter(candidates []Size, aspect AspectRatio, bound Size) []Size {
	var out []Size
	for _, c := range candidates {
		if aspect.Matches(c) && c.Fits(bound) {
			out = append(out, c)
		}
	}
	return out
}

// ChooseLargest filters candidates to those matching aspect and fitting
// within bound, then picks the one with the largest pixel area.
// The second result is false when nothing qualifies.
func ChooseLargest(candidates []Size, aspect AspectRatio, bound Size) (Size, bool) {
	var (
		best  Size
		found bool
	)
	for _, c := range Filter(candidates, aspect, bound) {
		if !found || c.Area() > best.Area() {
			best, found = c, true
		}
	}
	return best, found
}

// Rect is an axis-aligned rectangle in sensor pixel coordinates.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Right() int  { return r.Left + r.Width }
func (r Rect) Bottom() int { return r.Top + r.Height }

// Size returns the rectangle dimensions.
func (r Rect) Size() Size { return Size{Width: r.Width, Height: r.Height} }

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", r.Left, r.Top, r.Width, r.Height)
}

// ZoomCrop computes the centered crop of the active sensor area for zoom
// factor z: floor(width/z) by floor(height/z). A factor of exactly 1.0 (or
// anything not greater than 1) returns the full active area unmodified.
func ZoomCrop(active Rect, z float64) Rect {
	if z <= 1.0 || math.IsNaN(z) || math.IsInf(z, 0) {
		return active
	}
	w := int(math.Floor(float64(active.Width) / z))
	h := int(math.Floor(float64(active.Height) / z))
	return Rect{
		Left:   active.Left + (active.Width-w)/2,
		Top:    active.Top + (active.Height-h)/2,
		Width:  w,
		Height: h,
	}
}
