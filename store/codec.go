package store

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	offlinecache "github.com/wolfeidau/offline-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum body size accepted into a store.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// CurrentSnapshotVersion is the current snapshot record version.
	CurrentSnapshotVersion = 1
)

var (
	// ErrPayloadTooLarge is returned when a body exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("store: payload exceeds maximum size")

	// ErrCorrupted is returned when a stored record fails to decode or its
	// body digest does not match.
	ErrCorrupted = errors.New("store: snapshot corrupted")
)

// Body encodings.
const (
	encodingIdentity uint64 = 0
	encodingZstd     uint64 = 1
)

// Snapshot record field numbers.
const (
	fieldVersion    protowire.Number = 1
	fieldURL        protowire.Number = 2
	fieldStatusCode protowire.Number = 3
	fieldStatus     protowire.Number = 4
	fieldHeader     protowire.Number = 5
	fieldBody       protowire.Number = 6
	fieldEncoding   protowire.Number = 7
	fieldBodySize   protowire.Number = 8
	fieldCachedAt   protowire.Number = 9
	fieldDigest     protowire.Number = 10

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// Codec encodes snapshots into a protobuf wire record, compressing large
// bodies with zstd. Encoder and decoder are goroutine-safe and reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with a shared zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes snap.
func (c *Codec) Encode(snap *Snapshot) ([]byte, error) {
	if len(snap.Body) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	body, encoding := snap.Body, encodingIdentity
	if len(body) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(body, nil); len(compressed) < len(body) {
				body, encoding = compressed, encodingZstd
			}
		}
	}

	digest := snap.Digest
	if digest.IsZero() {
		digest = offlinecache.HashBytes(snap.Body)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, CurrentSnapshotVersion)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, snap.URL)
	b = protowire.AppendTag(b, fieldStatusCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.StatusCode)) //nolint:gosec // status codes are small positive ints
	b = protowire.AppendTag(b, fieldStatus, protowire.BytesType)
	b = protowire.AppendString(b, snap.Status)
	for name, values := range snap.Header {
		for _, v := range values {
			var h []byte
			h = protowire.AppendTag(h, fieldHeaderName, protowire.BytesType)
			h = protowire.AppendString(h, name)
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, v)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, encoding)
	b = protowire.AppendTag(b, fieldBodySize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(snap.Body)))
	b = protowire.AppendTag(b, fieldCachedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(snap.CachedAt.UnixNano()))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, digest[:])
	return b, nil
}

// Decode parses a record produced by Encode and verifies the body digest.
func (c *Codec) Decode(data []byte) (*Snapshot, error) {
	snap := &Snapshot{Header: make(http.Header)}
	var (
		body     []byte
		encoding uint64
		bodySize uint64
		digest   []byte
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrCorrupted, protowire.ParseError(n))
			}
			if v != CurrentSnapshotVersion {
				return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, v)
			}
			data = data[n:]
		case num == fieldURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: url: %v", ErrCorrupted, protowire.ParseError(n))
			}
			snap.URL = v
			data = data[n:]
		case num == fieldStatusCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: status code: %v", ErrCorrupted, protowire.ParseError(n))
			}
			snap.StatusCode = int(v) //nolint:gosec // written from an int
			data = data[n:]
		case num == fieldStatus && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: status: %v", ErrCorrupted, protowire.ParseError(n))
			}
			snap.Status = v
			data = data[n:]
		case num == fieldHeader && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: header: %v", ErrCorrupted, protowire.ParseError(n))
			}
			name, value, err := decodeHeader(v)
			if err != nil {
				return nil, err
			}
			snap.Header[name] = append(snap.Header[name], value)
			data = data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: body: %v", ErrCorrupted, protowire.ParseError(n))
			}
			body = v
			data = data[n:]
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: encoding: %v", ErrCorrupted, protowire.ParseError(n))
			}
			encoding = v
			data = data[n:]
		case num == fieldBodySize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: body size: %v", ErrCorrupted, protowire.ParseError(n))
			}
			bodySize = v
			data = data[n:]
		case num == fieldCachedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: cached at: %v", ErrCorrupted, protowire.ParseError(n))
			}
			snap.CachedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			data = data[n:]
		case num == fieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: digest: %v", ErrCorrupted, protowire.ParseError(n))
			}
			digest = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorrupted, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	decoded, err := c.decodeBody(body, encoding, bodySize)
	if err != nil {
		return nil, err
	}

	if len(digest) != offlinecache.HashSize {
		return nil, fmt.Errorf("%w: missing digest", ErrCorrupted)
	}
	copy(snap.Digest[:], digest)
	if offlinecache.HashBytes(decoded) != snap.Digest {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
	}
	snap.Body = decoded

	return snap, nil
}

func (c *Codec) decodeBody(body []byte, encoding, size uint64) ([]byte, error) {
	switch encoding {
	case encodingIdentity:
		return append([]byte(nil), body...), nil
	case encodingZstd:
		if size > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("store: decoder closed")
		}
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing body: %v", ErrCorrupted, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %d", ErrCorrupted, encoding)
	}
}

func decodeHeader(b []byte) (name, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: header tag: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldHeaderName && num != fieldHeaderValue) {
			n = protowire.ConsumeFieldValue(num, typ, b)
		} else {
			var v string
			v, n = protowire.ConsumeString(b)
			if num == fieldHeaderName {
				name = v
			} else {
				value = v
			}
		}
		if n < 0 {
			return "", "", fmt.Errorf("%w: header field: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if name == "" {
		return "", "", fmt.Errorf("%w: header without name", ErrCorrupted)
	}
	return name, value, nil
}
