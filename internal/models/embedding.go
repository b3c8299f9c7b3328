package models

// Chunk represents a parsed chunk with metadata
type Chunk struct {
	Content    string
	PageNumber int
	ChunkID    int
	// Offset is the rune offset of the chunk inside its page text.
	Offset int
}

// Document describes an uploaded source file. Its bytes are never kept.
type Document struct {
	Name   string
	Digest string
	Size   int64
}

// Entry is one row of a collection: a chunk, its vector and where it came from.
type Entry struct {
	ID        string
	Chunk     Chunk
	Source    string
	Digest    string
	Embedding []float32
}

// Evidence is a retrieved chunk with its similarity score.
type Evidence struct {
	ID     string
	Chunk  Chunk
	Source string
	Score  float32
}

// Response is the answer to one question.
type Response struct {
	Query    string
	Answer   string
	Evidence []Evidence
}
