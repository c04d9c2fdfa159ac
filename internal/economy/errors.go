package economy

import "errors"

var (
	// ErrUnknownResource marks a chemical code outside the C/N/D/Q set.
	ErrUnknownResource = errors.New("unknown resource code")

	// ErrInvalidQuantity marks a negative or non-finite gallon amount.
	ErrInvalidQuantity = errors.New("invalid quantity")
)
