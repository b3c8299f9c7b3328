package models

import "errors"

var (
	ErrParse             = errors.New("document could not be parsed")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmbeddingService  = errors.New("embedding service error")
	ErrGeneration        = errors.New("generation error")
	ErrIndexUnavailable  = errors.New("vector index unavailable")
	ErrNotFound          = errors.New("collection not found")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUploadTooLarge    = errors.New("upload exceeds maximum size")
	ErrSessionNotFound   = errors.New("session not found")
	ErrEmptyQuery        = errors.New("question is empty")
)
