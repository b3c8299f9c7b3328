package helper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"pdfchat/internal/models"
)

// GenerateUUID creates a random unique UUID string
func GenerateUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id.String(), nil
}

// pretty print
func PrettyPrint(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("Error pretty printing")
		return
	}
	fmt.Println(string(b))
}

// CreateFolder creates path and its parents if missing
func CreateFolder(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", path, err)
	}
	return nil
}

// DigestReader returns the hex sha256 of everything read from r and the byte count.
func DigestReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// EntryID is the dedup key of a chunk: the same bytes chunked under the same
// policy always produce the same id, whatever the file was called.
func EntryID(digest, policy string, chunk models.Chunk) string {
	h := sha256.New()
	h.Write([]byte(digest))
	h.Write([]byte{'|'})
	h.Write([]byte(policy))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(chunk.PageNumber)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(chunk.ChunkID)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(chunk.Offset)))
	return hex.EncodeToString(h.Sum(nil))
}
