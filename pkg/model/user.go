package model

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxUserIDLength is the longest user id, in runes.
const MaxUserIDLength = 64

// ReservedUserID is the id the server uses for its own packets.
const ReservedUserID = "server"

var ErrUserIDEmpty = errors.New("user id must not be empty")
var ErrUserIDTooLong = fmt.Errorf("user id must not exceed %d characters", MaxUserIDLength)
var ErrUserIDInvalidChars = errors.New("user id must not contain spaces or control characters")
var ErrUserIDReserved = fmt.Errorf("user id %q is reserved", ReservedUserID)

// ValidateUserID checks that id is 1-64 printable, non-space runes and is not
// the reserved server id. Ids are typically e-mail addresses.
func ValidateUserID(id string) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if !utf8.ValidString(id) {
		return ErrUserIDInvalidChars
	}
	if utf8.RuneCountInString(id) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return ErrUserIDInvalidChars
		}
	}
	if id == ReservedUserID {
		return ErrUserIDReserved
	}
	return nil
}
