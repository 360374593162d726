package gifts

import "errors"

// Sentinel errors for the gifts package.
var (
	// ErrInvalidPayload is returned when a gift payload cannot be used.
	ErrInvalidPayload = errors.New("invalid gift payload")

	// ErrUnknownGift is returned when a gift is not in the catalog.
	ErrUnknownGift = errors.New("unknown gift")

	// ErrInvalidQuantity is returned for a quantity below 1.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")

	// ErrInvalidCatalog is returned when a catalog file fails validation.
	ErrInvalidCatalog = errors.New("invalid gift catalog")
)
