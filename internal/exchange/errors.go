package exchange

import (
	"context"
	"errors"
)

// Sentinel errors every adapter maps its failures onto.
var (
	ErrTransient      = errors.New("transient exchange failure")
	ErrRejected       = errors.New("order rejected")
	ErrDuplicateOrder = errors.New("client order id already used")
	ErrNotFound       = errors.New("order not found")
	ErrFatal          = errors.New("fatal exchange error")
)

// ErrorClass is the error taxonomy retries and skip logic are driven by.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassRejected
	ClassNotFound
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRejected:
		return "rejected"
	case ClassNotFound:
		return "not_found"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify 将任意错误归入错误分类。无法识别的错误按瞬时错误处理，只会触发有限次重试。
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrFatal), errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRejected), errors.Is(err, ErrDuplicateOrder):
		return ClassRejected
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	// network errors, timeouts and anything unrecognised
	return ClassTransient
}

// IsTransient is the retry predicate for exchange calls.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
