package codec

import "errors"

// DecodeError variants, per spec.md §4.1.
var (
	ErrLengthMismatch = errors.New("codec: register length mismatch")
	ErrInvalidUtf8    = errors.New("codec: invalid utf8 sequence")
	ErrNonAsciiByte   = errors.New("codec: non-ascii byte in ascii string")
)

// EncodeError variants, per spec.md §4.1.
var (
	ErrOutOfRange = errors.New("codec: value out of range for type")
	ErrBadString  = errors.New("codec: string does not fit or is not representable")
)
