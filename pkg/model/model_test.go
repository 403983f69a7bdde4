package model

import (
	"strings"
	"testing"
)

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid email", "a@x.com", nil},
		{"valid unicode", "소연", nil},
		{"valid max length", strings.Repeat("a", MaxUserIDLength), nil},
		{"valid max length multibyte", strings.Repeat("é", MaxUserIDLength), nil},
		{"empty", "", ErrUserIDEmpty},
		{"too long", strings.Repeat("a", MaxUserIDLength+1), ErrUserIDTooLong},
		{"contains space", "has space", ErrUserIDInvalidChars},
		{"tab character", "user\tname", ErrUserIDInvalidChars},
		{"newline", "user\nname", ErrUserIDInvalidChars},
		{"escape sequence", "user\x1b[31m", ErrUserIDInvalidChars},
		{"invalid utf8", "user\xff", ErrUserIDInvalidChars},
		{"reserved", ReservedUserID, ErrUserIDReserved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUserID(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestEventKindIsRoomEvent(t *testing.T) {
	tests := []struct {
		kind EventKind
		want bool
	}{
		{EventRoomCreated, true},
		{EventRoomChanged, true},
		{EventRoomRemoved, true},
		{EventConnected, false},
		{EventLogin, false},
		{EventDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.IsRoomEvent(); got != tt.want {
				t.Errorf("%q.IsRoomEvent() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "r1", nil},
		{"valid with space", "team standup", nil},
		{"valid max length", strings.Repeat("r", MaxRoomIDLength), nil},
		{"empty", "", ErrRoomIDEmpty},
		{"too long", strings.Repeat("r", MaxRoomIDLength+1), ErrRoomIDTooLong},
		{"tab character", "room\tname", ErrRoomIDInvalidChars},
		{"invalid utf8", "room\xff", ErrRoomIDInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateRoomID(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
