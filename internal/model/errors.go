package model

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("result not found")
	ErrDuplicateAsset    = errors.New("duplicate asset identity")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrBadLog            = errors.New("malformed log file")
)
