// Package format renders counts and sizes for log output.
package format

import "fmt"

const (
	Thousand = 1000
	Million  = Thousand * 1000
	Billion  = Million * 1000
)

// HumanNumber renders a count with a metric suffix, e.g. 1.24M.
func HumanNumber(n uint64) string {
	switch {
	case n >= Billion:
		return fmt.Sprintf("%sB", decimalPlace(float64(n)/Billion))
	case n >= Million:
		return fmt.Sprintf("%sM", decimalPlace(float64(n)/Million))
	case n >= Thousand:
		return fmt.Sprintf("%sK", decimalPlace(float64(n)/Thousand))
	default:
		return fmt.Sprintf("%d", n)
	}
}

const (
	KiloByte = 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
)

// HumanBytes renders a byte size with a decimal unit, e.g. 1.2 GB.
func HumanBytes(b uint64) string {
	switch {
	case b >= GigaByte:
		return fmt.Sprintf("%s GB", decimalPlace(float64(b)/GigaByte))
	case b >= MegaByte:
		return fmt.Sprintf("%s MB", decimalPlace(float64(b)/MegaByte))
	case b >= KiloByte:
		return fmt.Sprintf("%s KB", decimalPlace(float64(b)/KiloByte))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func decimalPlace(n float64) string {
	switch {
	case n >= 100:
		return fmt.Sprintf("%.0f", n)
	case n >= 10:
		return fmt.Sprintf("%.1f", n)
	default:
		return fmt.Sprintf("%.2f", n)
	}
}
