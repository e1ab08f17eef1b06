// Package codec defines the plaintext payload that the secure channel
// encrypts and the tagged envelope variant stored on the relay.
package codec

import "encoding/json"

// Payload is the logical message content for anonymous-mode envelopes. The
// routing tag hides both parties from the relay, so sender and recipient
// travel inside the ciphertext and are only recovered after decryption.
type Payload struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// LegacyPayload is the shared-secret-mode content. Sender and recipient are
// inferable from the legacy row's plaintext columns, so only the text is
// carried.
type LegacyPayload struct {
	Text string `json:"text"`
}

// EncodePayload serializes to the canonical UTF-8 JSON byte encoding that
// feeds encryption.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload validates and parses a decrypted anonymous payload. A payload
// that does not parse or is missing sender or recipient is treated exactly
// like a decryption failure: the second return is false and the row is
// skipped.
func DecodePayload(data []byte) (Payload, bool) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, false
	}
	if p.Sender == "" || p.Recipient == "" {
		return Payload{}, false
	}
	return p, true
}

func EncodeLegacyPayload(p LegacyPayload) ([]byte, error) {
	return json.Marshal(p)
}

func DecodeLegacyPayload(data []byte) (LegacyPayload, bool) {
	var p LegacyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return LegacyPayload{}, false
	}
	return p, true
}
