package wcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := GenerateRandomBytes(KeySize)
	require.NoError(t, err)

	for _, plain := range []string{"", "x", "0123456789abcdef", `{"id":1,"jsonrpc":"2.0","result":"  padded  "}`} {
		env, err := Seal([]byte(plain), key)
		require.NoError(t, err)
		got, err := Open(env, key)
		require.NoError(t, err)
		assert.Equal(t, plain, string(got))
	}
}

func TestOpenRejectsForeignKey(t *testing.T) {
	key, _ := GenerateRandomBytes(KeySize)
	other, _ := GenerateRandomBytes(KeySize)
	env, err := Seal([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Open(env, other)
	assert.ErrorIs(t, err, ErrHmacMismatch)
}

func TestPkcs7UnpaddingRejectsGarbage(t *testing.T) {
	_, err := pkcs7Unpadding([]byte{1, 2, 3, 0}, 16)
	assert.Error(t, err)
	_, err = pkcs7Unpadding([]byte{1, 2, 3, 2}, 16)
	assert.Error(t, err)
	got, err := pkcs7Unpadding([]byte{1, 2, 2, 2}, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestPairingURIRoundTrip(t *testing.T) {
	key, _ := GenerateRandomBytes(KeySize)
	p := &PairingURI{Topic: "abc123", Version: ProtocolVersion, RelayURL: "wss://x", Key: key}
	s := p.String()
	assert.Contains(t, s, "wc:abc123@2?relay=wss%3A%2F%2Fx&key=")

	parsed, err := ParsePairingURI(s)
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

func TestParsePairingURIErrors(t *testing.T) {
	for _, raw := range []string{
		"http://x",
		"wc:abc@2",
		"wc:@2?relay=x&key=00",
		"wc:abc@2?relay=x&key=zz",
	} {
		_, err := ParsePairingURI(raw)
		assert.Error(t, err, raw)
	}
}

func TestGetWebSocketUrl(t *testing.T) {
	assert.Equal(t, "wss://relay.example?projectId=p1&protocol=wc&version=2",
		GetWebSocketUrl("https://relay.example", ProtocolName, ProtocolVersion, "p1"))
	assert.Equal(t, "ws://127.0.0.1:1/ws?protocol=wc&version=2",
		GetWebSocketUrl("http://127.0.0.1:1/ws", ProtocolName, ProtocolVersion, ""))
	assert.Equal(t, "wss://r?a=1&protocol=wc&version=2",
		GetWebSocketUrl("wss://r?a=1", ProtocolName, ProtocolVersion, ""))
}
