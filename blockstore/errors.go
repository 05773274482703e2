package blockstore

import "fmt"

// RangeError is returned when a request's [offset, offset+length) range is
// not entirely within [0, exportSize).
type RangeError struct {
	Offset, Length, ExportSize uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("blockstore: range [%d, %d) exceeds export size %d", e.Offset, e.Offset+e.Length, e.ExportSize)
}
