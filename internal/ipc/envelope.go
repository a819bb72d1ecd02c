package ipc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	sala "github.com/nitad/sala"
)

// Envelope is the wire form of every IPC file and stream frame: the raw
// payload plus an HMAC-SHA256 of it under the per-instance secret. The
// secret reaches the container through its environment at spawn.
type Envelope struct {
	Payload json.RawMessage `json:"payload"`
	HMAC    string          `json:"hmac"`
}

// Seal signs payload and returns the envelope's JSON encoding.
func Seal(secret []byte, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{Payload: raw, HMAC: sign(secret, raw)}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Open verifies an envelope's signature with a constant-time compare and
// returns the payload. A bad or missing signature yields ErrIntegrity; the
// payload must never reach the caller in that case.
func Open(secret, data []byte) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", sala.ErrIntegrity, err)
	}
	if !verify(secret, env.Payload, env.HMAC) {
		return nil, fmt.Errorf("%w: hmac mismatch", sala.ErrIntegrity)
	}
	return env.Payload, nil
}

func sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}
