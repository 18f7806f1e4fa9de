// Package cas provides content-addressing utilities: canonical JSON
// serialization and BLAKE3 record ids.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// IDField is the record field holding the content address. It never
// contributes to its own hash.
const IDField = "id"

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
// Numbers are carried through as their literal text so integers beyond
// 2^53 hash the same way on every client.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Hash computes the BLAKE3-256 digest of data and returns it as lowercase hex.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecordID computes the content address of a record: the hash of the
// canonical encoding of every field except id.
func RecordID(record map[string]interface{}) (string, error) {
	content := record
	if _, ok := record[IDField]; ok {
		content = make(map[string]interface{}, len(record))
		for k, v := range record {
			if k == IDField {
				continue
			}
			content[k] = v
		}
	}

	canonical, err := CanonicalJSON(content)
	if err != nil {
		return "", err
	}
	return Hash(canonical), nil
}

// IsValidID reports whether s has the shape of a record id produced by
// RecordID.
func IsValidID(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
