package common

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

//NewCutUUIDString returns uuid string that cut `-`.
func NewCutUUIDString() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func MustGetJSONString(m interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		log.Error(err)
		return "{}"
	}
	return string(data)
}

// TruncateAddress shortens an address for log lines: SP2J6Z...RV9EJ7.
func TruncateAddress(addr string) string {
	const keep = 6
	if len(addr) <= keep*2+3 {
		return addr
	}
	return addr[:keep] + "..." + addr[len(addr)-keep:]
}

// TruncatePayload caps raw wallet payloads written to logs.
func TruncatePayload(raw []byte, max int) string {
	if max <= 0 || len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "...(truncated)"
}
