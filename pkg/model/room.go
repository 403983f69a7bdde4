package model

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxRoomIDLength is the longest room id, in runes.
const MaxRoomIDLength = 64

var ErrRoomIDEmpty = errors.New("room id must not be empty")
var ErrRoomIDTooLong = fmt.Errorf("room id must not exceed %d characters", MaxRoomIDLength)
var ErrRoomIDInvalidChars = errors.New("room id must not contain control characters")

// ValidateRoomID checks that id is 1-64 printable runes. Unlike user ids,
// room ids may contain spaces.
func ValidateRoomID(id string) error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if !utf8.ValidString(id) {
		return ErrRoomIDInvalidChars
	}
	if utf8.RuneCountInString(id) > MaxRoomIDLength {
		return ErrRoomIDTooLong
	}
	for _, r := range id {
		if r != ' ' && !unicode.IsPrint(r) {
			return ErrRoomIDInvalidChars
		}
	}
	return nil
}
