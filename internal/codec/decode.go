package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrDecode marks a malformed or undecodable payload. Such frames are
	// dropped, never retried.
	ErrDecode = errors.New("decode payload")

	// ErrPlainPayload is returned when the payload is already base64 JSON and
	// needs no decryption. Callers ignore these events.
	ErrPlainPayload = errors.New("payload already plain")
)

// Decrypter turns an opaque sync payload into JSON bytes. It is the single
// swap point for the backend's payload transform.
type Decrypter interface {
	Decrypt(blob []byte) ([]byte, error)
}

// DecrypterFunc adapts a function to Decrypter.
type DecrypterFunc func(blob []byte) ([]byte, error)

func (f DecrypterFunc) Decrypt(blob []byte) ([]byte, error) { return f(blob) }

// Decoder extracts and decodes the first payload of a sync package.
type Decoder struct {
	decrypter Decrypter
}

// NewDecoder creates a Decoder backed by d.
func NewDecoder(d Decrypter) *Decoder {
	return &Decoder{decrypter: d}
}

// Decode returns the decoded payload of a sync-package frame. Failures wrap
// ErrDecode; an already-plain payload returns ErrPlainPayload.
func (d *Decoder) Decode(f *Frame) (Payload, error) {
	payloads := f.syncPayloads()
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: frame has no sync payload", ErrDecode)
	}
	raw := payloads[0]

	// NOTE: a plain base64 JSON payload may well be a real event; it is
	// dropped here to match the backend client's observed behavior.
	if isPlainJSON(raw) {
		return nil, ErrPlainPayload
	}

	plain, err := d.decrypter.Decrypt([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrDecode, err)
	}

	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.UseNumber()
	var p map[string]any
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parse decrypted json: %v", ErrDecode, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: decrypted payload is not an object", ErrDecode)
	}
	return Payload(p), nil
}

func isPlainJSON(s string) bool {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil || !utf8.Valid(b) {
		return false
	}
	return json.Valid(b)
}
