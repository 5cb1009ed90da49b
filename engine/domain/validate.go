package domain

import (
	"fmt"
	"strings"
)

// ValidateProduct checks the invariants a product must satisfy before it
// is ingested.
func ValidateProduct(p Product) error {
	if strings.TrimSpace(p.SourceID) == "" {
		return NewValidationError("source_id", p.SourceID, ErrInvalidInput)
	}
	if strings.TrimSpace(p.Name) == "" {
		return NewValidationError("name", p.Name, ErrInvalidInput)
	}
	if p.Price < 0 {
		return NewValidationError("price", fmt.Sprintf("%g", p.Price), ErrInvalidInput)
	}
	if p.Rating.Rate < 0 || p.Rating.Rate > 5 {
		return NewValidationError("rating.rate", fmt.Sprintf("%g", p.Rating.Rate), ErrInvalidInput)
	}
	if p.Rating.Count < 0 {
		return NewValidationError("rating.count", fmt.Sprintf("%d", p.Rating.Count), ErrInvalidInput)
	}
	return nil
}

// ValidateImage rejects empty payloads and payloads above maxBytes.
// maxBytes <= 0 disables the ceiling.
func ValidateImage(data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return NewValidationError("image", "", ErrEmptyImage)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return NewValidationError("image", fmt.Sprintf("%d bytes", len(data)), ErrImageTooLarge)
	}
	return nil
}

// ValidateLimit clamps a requested result count into [1, max].
func ValidateLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
