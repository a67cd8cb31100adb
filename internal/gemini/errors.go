package gemini

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrEmptyImage  = errors.New("base image is empty")

	// ErrMalformedReply means the classifier answered with something that does
	// not decode into the expected {isValidRequest, botResponse} shape.
	ErrMalformedReply = errors.New("malformed classification reply")
)

// ClassificationError is returned by ClassifyAndRespond. Callers must not
// assume any part of the reply is usable.
type ClassificationError struct {
	Model string
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify with %s: %v", e.Model, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// GenerationError is a transport or service failure of a batch or variation call.
type GenerationError struct {
	Op    string // "batch" | "variation"
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s with %s: %v", e.Op, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func IsClassificationError(err error) bool {
	var target *ClassificationError
	return errors.As(err, &target)
}

func IsGenerationError(err error) bool {
	var target *GenerationError
	return errors.As(err, &target)
}
