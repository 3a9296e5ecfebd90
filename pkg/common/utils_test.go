package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateAddress(t *testing.T) {
	assert.Equal(t, "SP2J6Z...RV9EJ7", TruncateAddress("SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"))
	assert.Equal(t, "SHORT", TruncateAddress("SHORT"))
}

func TestTruncatePayload(t *testing.T) {
	assert.Equal(t, "abc", TruncatePayload([]byte("abc"), 10))
	assert.Equal(t, "ab...(truncated)", TruncatePayload([]byte("abc"), 2))
}

func TestNewCutUUIDString(t *testing.T) {
	id := NewCutUUIDString()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
}

func TestMustGetJSONString(t *testing.T) {
	assert.Equal(t, "{}", MustGetJSONString(nil))
	assert.Equal(t, `{"a":1}`, MustGetJSONString(map[string]int{"a": 1}))
	assert.Equal(t, "{}", MustGetJSONString(func() {}))
}
