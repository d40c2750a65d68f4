package domain

type RoomID string

const MaxRoomIDLen = 36
