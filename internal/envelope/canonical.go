package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errTrailingData = errors.New("trailing data after json value")

// canonicalize re-encodes raw JSON into its canonical form: object keys
// sorted recursively, numbers kept verbatim via json.Number, insignificant
// whitespace stripped. Two encodings of the same value always canonicalize
// to the same bytes, so signatures survive field reordering in transit.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errTrailingData
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return out, nil
}

// signingBytes builds the canonical byte string an envelope signature
// covers: the data payload plus the anti-replay fields, never the
// signature or the key material itself.
func signingBytes(data json.RawMessage, nonce, senderFingerprint string, timestamp int64) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errTrailingData
	}
	return json.Marshal(map[string]any{
		"data":              payload,
		"nonce":             nonce,
		"senderFingerprint": senderFingerprint,
		"timestamp":         timestamp,
	})
}
