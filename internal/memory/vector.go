package memory

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Embedding blobs are a little-endian uint32 dimension followed by that many
// little-endian float32 values.
const (
	blobHeader = 4
	blobWidth  = 4
	maxBlobDim = (math.MaxInt32 - blobHeader) / blobWidth
)

// EncodeVector packs an embedding for the messages.embedding column.
func EncodeVector(vector []float32) ([]byte, error) {
	switch {
	case len(vector) == 0:
		return nil, fmt.Errorf("encode vector: %w: empty", ErrInvalidEmbedding)
	case len(vector) > maxBlobDim:
		return nil, fmt.Errorf("encode vector: %w: %d dimensions", ErrInvalidEmbedding, len(vector))
	}

	blob := binary.LittleEndian.AppendUint32(make([]byte, 0, blobHeader+blobWidth*len(vector)), uint32(len(vector)))
	for i, v := range vector {
		if !finite32(v) {
			return nil, fmt.Errorf("encode vector: %w: non-finite value at %d", ErrInvalidEmbedding, i)
		}
		blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(v))
	}
	return blob, nil
}

// DecodeVector reverses EncodeVector and rejects truncated or non-finite blobs.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeader {
		return nil, fmt.Errorf("decode vector: %w: %d byte blob", ErrInvalidEmbedding, len(blob))
	}
	dim := binary.LittleEndian.Uint32(blob)
	payload := blob[blobHeader:]
	if dim == 0 || dim > maxBlobDim || uint64(len(payload)) != uint64(dim)*blobWidth {
		return nil, fmt.Errorf("decode vector: %w: header says %d dimensions, payload has %d bytes",
			ErrInvalidEmbedding, dim, len(payload))
	}

	out := make([]float32, dim)
	for i := range out {
		v := math.Float32frombits(binary.LittleEndian.Uint32(payload[i*blobWidth:]))
		if !finite32(v) {
			return nil, fmt.Errorf("decode vector: %w: non-finite value at %d", ErrInvalidEmbedding, i)
		}
		out[i] = v
	}
	return out, nil
}

// CosineSimilarity scores two vectors in [-1, 1]. Empty, zero-norm, non-finite
// or mismatched inputs score 0 so one malformed row never fails a search.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i, x := range a {
		y := b[i]
		if !finite32(x) || !finite32(y) {
			return 0
		}
		dot += float64(x) * float64(y)
		na += float64(x) * float64(x)
		nb += float64(y) * float64(y)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, dot/math.Sqrt(na*nb)))
}

func finite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
