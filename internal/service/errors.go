package service

import (
	"errors"
	"fmt"
)

// Errors returned by the conversation store. Handlers map them to HTTP
// statuses with errors.Is; anything else is a persistence failure.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrChatNotFound   = fmt.Errorf("chat %w", ErrNotFound)
	ErrEmptyContent   = fmt.Errorf("%w: message content is empty", ErrInvalidArgument)
	ErrContentTooLong = fmt.Errorf("%w: message content is too long", ErrInvalidArgument)
	ErrSelfChat       = fmt.Errorf("%w: cannot open a chat with yourself", ErrInvalidArgument)
	ErrInvalidUserID  = fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
)
