package wcrypto

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"

	"moff.io/vault-wallet/pkg/errors"
)

// ErrHmacMismatch is returned by Open when an envelope was not sealed with the key.
var ErrHmacMismatch = errors.New("inconsistent envelope hmac")

// Envelope is the encrypted payload carried in relay frames.
type Envelope struct {
	Data string `json:"data"`
	Hmac string `json:"hmac"`
	IV   string `json:"iv"`
}

// Seal encrypts plain with AES-256-CBC under a fresh IV and signs cipher||iv.
func Seal(plain, key []byte) (*Envelope, error) {
	iv, err := GenerateRandomBytes(128 / 8)
	if err != nil {
		return nil, errors.Wrap(err, "generate random iv")
	}
	data, err := Aes256Encrypt(plain, key, iv)
	if err != nil {
		return nil, err
	}
	unsigned := append(append([]byte{}, data...), iv...)
	return &Envelope{
		Data: hex.EncodeToString(data),
		IV:   hex.EncodeToString(iv),
		Hmac: hex.EncodeToString(HmacSha256(unsigned, key)),
	}, nil
}

// Open checks the hmac and decrypts the envelope.
func Open(env *Envelope, key []byte) ([]byte, error) {
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, errors.Wrap(err, "decode iv hex")
	}
	data, err := hex.DecodeString(env.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode cipher hex")
	}
	mac, err := hex.DecodeString(env.Hmac)
	if err != nil {
		return nil, errors.Wrap(err, "decode hmac hex")
	}
	unsigned := append(append([]byte{}, data...), iv...)
	if !hmac.Equal(mac, HmacSha256(unsigned, key)) {
		return nil, ErrHmacMismatch
	}
	plain, err := Aes256Decrypt(data, key, iv)
	if err != nil {
		return nil, errors.Wrap(err, "aes256 decrypt")
	}
	return plain, nil
}

// ParseEnvelope decodes the JSON text found in a relay frame payload.
func ParseEnvelope(payload string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal envelope")
	}
	return &env, nil
}

func (e *Envelope) Marshal() string {
	s, _ := json.Marshal(e)
	return string(s)
}
