package ml

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	default:
		return "Unknown"
	}
}
