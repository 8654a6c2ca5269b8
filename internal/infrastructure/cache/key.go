package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// DeriveKey builds the CacheKey for a tier. The tier id is both the readable
// prefix and the first hashed field, so tiers never share a key space.
func DeriveKey(tier domain.CacheTier, material domain.KeyMaterial) string {
	h := sha256.New()
	writeField(h, []byte(tier))
	writeField(h, []byte(NormalizeText(material.Text)))
	writeField(h, vectorBytes(material.Vector))

	names := make([]string, 0, len(material.Params))
	for name := range material.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(h, []byte(name))
		writeField(h, []byte(material.Params[name]))
	}
	return string(tier) + ":" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeText lower-cases and collapses whitespace runs.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func tierOfKey(key string) domain.CacheTier {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return domain.CacheTier(key[:idx])
	}
	return ""
}

func writeField(w io.Writer, field []byte) {
	var size [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(size[:], uint64(len(field)))
	_, _ = w.Write(size[:n])
	_, _ = w.Write(field)
}

func vectorBytes(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	out := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
