package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

const envelopeVersion = 1

// Envelope wraps every stored value. Hint is an integrity hint for detecting
// accidental corruption; it is not a cryptographic checksum.
type Envelope struct {
	Version  int             `json:"v"`
	Key      string          `json:"key"`
	StoredAt time.Time       `json:"storedAt"`
	Hint     string          `json:"hint"`
	Size     int             `json:"size"`
	Data     json.RawMessage `json:"data,omitempty"`
	Packed   []byte          `json:"packed,omitempty"`
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

func integrityHint(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

func seal(key string, payload []byte, compress bool, at time.Time) ([]byte, error) {
	env := Envelope{
		Version:  envelopeVersion,
		Key:      key,
		StoredAt: at.UTC(),
		Hint:     integrityHint(payload),
		Size:     len(payload),
	}
	if compress {
		env.Packed = encoder.EncodeAll(payload, nil)
	} else {
		env.Data = payload
	}
	return json.Marshal(env)
}

// unseal decodes raw and verifies the payload against the integrity hint.
func unseal(raw []byte) (Envelope, []byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if env.Version != envelopeVersion {
		return Envelope{}, nil, fmt.Errorf("%w: unsupported envelope version %d", ErrCorrupted, env.Version)
	}

	payload := []byte(env.Data)
	if len(env.Packed) > 0 {
		unpacked, err := decoder.DecodeAll(env.Packed, nil)
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		payload = unpacked
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Envelope{}, nil, fmt.Errorf("%w: empty payload", ErrCorrupted)
	}
	if env.Size != len(payload) || env.Hint != integrityHint(payload) {
		return Envelope{}, nil, fmt.Errorf("%w: integrity hint mismatch", ErrCorrupted)
	}
	return env, payload, nil
}
