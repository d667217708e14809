package intents

import "errors"

var (
	ErrUnknownEmotion     = errors.New("unknown emotion")
	ErrUnknownActionType  = errors.New("unknown action type")
	ErrPriorityOutOfRange = errors.New("action priority out of range")
)
