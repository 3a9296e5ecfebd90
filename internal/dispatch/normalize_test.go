package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"moff.io/vault-wallet/internal/wallet"
)

func TestNormalize(t *testing.T) {
	id := strings.Repeat("1f", 32)
	tx := strings.Repeat("80", 90)
	cases := []struct {
		name string
		body string
		kind answerKind
	}{
		{"bare txid", `"` + id + `"`, answerTxID},
		{"prefixed upper txid", `"0x` + strings.ToUpper(id) + `"`, answerTxID},
		{"bare signed tx", `"` + tx + `"`, answerSignedTx},
		{"txid key", `{"txid":"` + id + `"}`, answerTxID},
		{"txId key", `{"txId":"` + id + `"}`, answerTxID},
		{"tx_id key", `{"tx_id":"` + id + `"}`, answerTxID},
		{"transactionId key", `{"transactionId":"` + id + `"}`, answerTxID},
		{"txHash key", `{"txHash":"0x` + id + `"}`, answerTxID},
		{"transaction key", `{"transaction":"` + tx + `"}`, answerSignedTx},
		{"signedTransaction key", `{"signedTransaction":"0x` + tx + `"}`, answerSignedTx},
		{"txRaw key", `{"txRaw":"` + tx + `"}`, answerSignedTx},
		{"txHex key", `{"txHex":"` + tx + `"}`, answerSignedTx},
		{"hex key", `{"hex":"` + tx + `"}`, answerSignedTx},
		{"result wrapper", `{"result":{"txid":"` + id + `"}}`, answerTxID},
		{"nested wrappers", `{"data":{"response":{"result":"` + id + `"}}}`, answerTxID},
		{"sats success", `{"status":"success","result":{"transaction":"` + tx + `"}}`, answerSignedTx},
		{"sats error", `{"status":"error","error":{"code":-32000,"message":"User rejected"}}`, answerRejected},
		{"short txid", `{"txid":"abcd"}`, answerMalformed},
		{"odd hex", `"` + tx + `0"`, answerMalformed},
		{"number", `42`, answerMalformed},
		{"unknown object", `{"ok":true}`, answerMalformed},
		{"invalid json", `{`, answerMalformed},
		{"null", `null`, answerMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := normalize([]byte(tc.body))
			assert.Equal(t, tc.kind, a.kind)
			switch a.kind {
			case answerTxID:
				assert.Equal(t, id, a.txid)
			case answerSignedTx:
				assert.Len(t, a.rawTx, 90)
			case answerRejected:
				assert.ErrorIs(t, a.err, wallet.ErrUserRejected)
			}
		})
	}
}

func TestNormalizeDepthLimit(t *testing.T) {
	body := strings.Repeat(`{"result":`, 10) + `"` + strings.Repeat("ab", 32) + `"` + strings.Repeat(`}`, 10)
	assert.Equal(t, answerMalformed, normalize([]byte(body)).kind)
}
