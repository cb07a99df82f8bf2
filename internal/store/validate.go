package store

import "fmt"

// MaxIDLength is the maximum allowed length for user and target identifiers.
// Matches the VARCHAR(255) constraint in the database schema.
const MaxIDLength = 255

// ValidateID checks that an identifier is present and does not exceed MaxIDLength.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s too long: %d chars (max %d)", kind, len(id), MaxIDLength)
	}
	return nil
}
