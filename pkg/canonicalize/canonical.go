// Package canonicalize provides deterministic JSON serialization and SHA-256
// hashing for ProcGuard's forensic records.
//
// The canonical form is the hard contract every hash in the system is built
// on: map keys sorted lexicographically at every level, no insignificant
// whitespace, no HTML escaping, and timestamps rendered as UTC ISO-8601 with
// microsecond precision and a trailing 'Z'. Identical inputs must produce
// identical bytes across processes and releases.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TimestampLayout is the canonical wire form for all hashed timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp renders t in the canonical UTC microsecond form.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Canonical returns the canonical JSON representation of v.
//
// Strategy: marshal v with the standard encoder (so struct tags are
// respected), decode into a generic tree with json.Number to preserve the
// original numeric text, then re-marshal recursively with sorted keys.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
// All persisted hash fields use this form: 64 hex characters, no prefix.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns SHA256Hex(Canonical(v)).
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ChainHash computes a link hash for hash-chained ledgers:
// sha256(prevHash ‖ field1 ‖ … ‖ fieldN) with the field order fixed by the
// caller per chain type. An empty prevHash marks the genesis link.
func ChainHash(prevHash string, fields ...string) string {
	var buf bytes.Buffer
	buf.WriteString(prevHash)
	for _, f := range fields {
		buf.WriteString(f)
	}
	return HashBytes(buf.Bytes())
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline; trim it.
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
