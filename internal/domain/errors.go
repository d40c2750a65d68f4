package domain

import "errors"

var (
	// ErrRoomNotFound is returned for an explicit join naming an unknown room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotInRoom is returned when an operation names a user the room does not hold.
	ErrNotInRoom = errors.New("user not in room")
	// ErrLinkClosed rejects operations on a link that already reached Closed.
	ErrLinkClosed = errors.New("link closed")
	// ErrNoCandidateNodes means no live node passed placement scoring;
	// the client stays pending rather than being redirected.
	ErrNoCandidateNodes = errors.New("no candidate nodes")
)
