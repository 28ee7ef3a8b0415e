package gram

import "errors"

var (
	ErrMessageTooLarge = errors.New("gram: message exceeds mtu")
	ErrTruncated       = errors.New("gram: truncated data")
	ErrUnknownUnit     = errors.New("gram: unknown unit kind")
	ErrBodyLength      = errors.New("gram: invalid unit body length")
	ErrTrailingBytes   = errors.New("gram: trailing bytes after last unit")
	ErrUnitTooLarge    = errors.New("gram: unit does not fit in a single message")
)
