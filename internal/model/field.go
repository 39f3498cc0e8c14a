package model

import (
	"math"

	"github.com/guregu/null/v6"
)

// Field names one of the five numeric bar columns.
type Field string

const (
	FieldOpen   Field = "open"
	FieldHigh   Field = "high"
	FieldLow    Field = "low"
	FieldClose  Field = "close"
	FieldVolume Field = "volume"
)

// Fields lists the numeric columns in table order.
var Fields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// Value returns the bar's value for f.
func (b PriceBar) Value(f Field) null.Float {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	}
	return null.Float{}
}

// Series extracts f from bars in order. Null values become NaN.
func Series(bars []PriceBar, f Field) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		v := b.Value(f)
		if !v.Valid {
			out[i] = math.NaN()
			continue
		}
		out[i] = v.Float64
	}
	return out
}
