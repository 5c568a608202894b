package piecebuffer

import "errors"

var (
	// ErrOutOfRange is returned when a single-index read falls outside [-Len(), Len())
	ErrOutOfRange = errors.New("piecebuffer: index out of range")

	// ErrTooLarge is the panic value used when a buffer cannot grow to the requested size
	ErrTooLarge = errors.New("piecebuffer: buffer too large")
)
