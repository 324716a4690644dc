package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"contract-collab/internal/crdt"
)

/*
LEARNING: ONE BINARY CONTRACT

The operation log, the snapshot store and the websocket transport all
carry the same framed payloads:

  +-------+---------+----------+------------------+
  | magic | version | crc32    | canonical body   |
  | 4B    | 1B      | 4B (BE)  | JSON             |
  +-------+---------+----------+------------------+

The body is canonical: equivalent states always encode to the same bytes,
which lets replicas compare snapshots byte for byte.
*/

const formatVersion byte = 1

var (
	magicState    = [4]byte{'C', 'C', 'S', 'T'}
	magicVersions = [4]byte{'C', 'C', 'V', 'V'}
	magicFragment = [4]byte{'C', 'C', 'F', 'R'}
)

const headerSize = 4 + 1 + 4

// ErrCorrupt is wrapped by every DecodeError.
var ErrCorrupt = errors.New("corrupt payload")

// DecodeError reports a payload that could not be decoded.
type DecodeError struct {
	What   string // "state", "version vector" or "fragment"
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decode %s: %s", e.What, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorrupt}
	}
	return []error{ErrCorrupt, e.Err}
}

// OpaquePayload is an encoded fragment as it travels through business
// logic. Only this package looks inside.
type OpaquePayload []byte

// Len returns the payload size in bytes.
func (p OpaquePayload) Len() int { return len(p) }

// Bytes returns the raw encoding.
func (p OpaquePayload) Bytes() []byte { return []byte(p) }

// EncodeState serializes the live document.
func EncodeState(doc *crdt.Document) ([]byte, error) {
	return frame(magicState, doc.Export())
}

// DecodeState rebuilds a document from EncodeState output.
func DecodeState(data []byte) (*crdt.Document, error) {
	var s crdt.State
	if err := unframe("state", magicState, data, &s); err != nil {
		return nil, err
	}
	doc, err := crdt.Import(s)
	if err != nil {
		return nil, &DecodeError{What: "state", Reason: "inconsistent structure", Err: err}
	}
	return doc, nil
}

// VersionVector serializes the per-client clock summary of doc.
func VersionVector(doc *crdt.Document) ([]byte, error) {
	return frame(magicVersions, crdt.SortedVersions(doc.Versions()))
}

// DecodeVersionVector parses VersionVector output.
func DecodeVersionVector(data []byte) (map[string]uint64, error) {
	var clocks []crdt.ClientClock
	if err := unframe("version vector", magicVersions, data, &clocks); err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(clocks))
	for _, c := range clocks {
		out[c.Client] = c.Clock
	}
	return out, nil
}

// EncodeFragment wraps a fragment for storage or transport.
func EncodeFragment(f crdt.Fragment) (OpaquePayload, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fragment: %w", err)
	}
	b, err := frame(magicFragment, f)
	if err != nil {
		return nil, err
	}
	return OpaquePayload(b), nil
}

// DecodeFragment unwraps an encoded fragment.
func DecodeFragment(p OpaquePayload) (crdt.Fragment, error) {
	var f crdt.Fragment
	if err := unframe("fragment", magicFragment, p, &f); err != nil {
		return crdt.Fragment{}, err
	}
	if err := f.Validate(); err != nil {
		return crdt.Fragment{}, &DecodeError{What: "fragment", Reason: "invalid fragment", Err: err}
	}
	return f, nil
}

func frame(magic [4]byte, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	out := make([]byte, headerSize, headerSize+len(body))
	copy(out, magic[:])
	out[4] = formatVersion
	binary.BigEndian.PutUint32(out[5:9], crc32.ChecksumIEEE(body))
	return append(out, body...), nil
}

func unframe(what string, magic [4]byte, data []byte, v any) error {
	if len(data) < headerSize {
		return &DecodeError{What: what, Reason: fmt.Sprintf("payload is %d bytes", len(data))}
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return &DecodeError{What: what, Reason: fmt.Sprintf("unexpected magic %q", data[:4])}
	}
	if data[4] != formatVersion {
		return &DecodeError{What: what, Reason: fmt.Sprintf("unsupported format version %d", data[4])}
	}
	body := data[headerSize:]
	if sum := binary.BigEndian.Uint32(data[5:9]); sum != crc32.ChecksumIEEE(body) {
		return &DecodeError{What: what, Reason: "checksum mismatch"}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &DecodeError{What: what, Reason: "malformed body", Err: err}
	}
	return nil
}
