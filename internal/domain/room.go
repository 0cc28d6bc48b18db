package domain

import (
	"fmt"
	"strings"
)

type RoomKind string

const (
	RoomList RoomKind = "list"
	RoomUser RoomKind = "user"
)

// Room is a logical broadcast channel. It has no storage of its own; its
// membership is whatever live connections currently hold it.
type Room struct {
	Kind RoomKind
	ID   string
}

func ListRoom(listID string) Room { return Room{Kind: RoomList, ID: listID} }
func UserRoom(userID string) Room { return Room{Kind: RoomUser, ID: userID} }

func (r Room) String() string {
	return string(r.Kind) + ":" + r.ID
}

func (r Room) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// ParseRoom parses "list:<id>" or "user:<id>".
func ParseRoom(s string) (Room, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
	switch RoomKind(kind) {
	case RoomList, RoomUser:
		return Room{Kind: RoomKind(kind), ID: id}, nil
	default:
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, s)
	}
}
