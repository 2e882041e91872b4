package domain

import "errors"

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room full")
	ErrPeerNotFound  = errors.New("peer not found")
	ErrAlreadyJoined = errors.New("peer already joined")
)
