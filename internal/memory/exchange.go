package memory

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Exchange is one prompt/reply pair. Immutable once created, except that
// missing embeddings may be filled in later by backfill.
type Exchange struct {
	ID              string
	Owner           string
	Thread          string
	Prompt          string
	Reply           string
	PromptEmbedding []float32 // nil until embedded
	ReplyEmbedding  []float32 // nil until embedded
	CreatedAt       time.Time
}

// ScoredExchange is an exchange with its retrieval similarity score.
type ScoredExchange struct {
	Exchange
	Score float32
}

// encodeVector packs a vector as little-endian float32s for BLOB storage.
// A nil vector encodes as nil (SQL NULL).
func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector. nil decodes to nil.
func decodeVector(buf []byte) ([]float32, error) {
	if buf == nil {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob: %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
