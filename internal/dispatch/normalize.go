package dispatch

import (
	"strings"

	"github.com/tidwall/gjson"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/internal/wallet"
)

type answerKind int

const (
	answerMalformed answerKind = iota
	answerTxID
	answerSignedTx
	answerRejected
)

// answer is a wallet reply reduced to one of the shapes the dispatcher acts on.
type answer struct {
	kind  answerKind
	txid  string
	rawTx []byte
	err   error
}

var (
	txidKeys     = []string{"txid", "txId", "tx_id", "transactionId", "txHash"}
	signedTxKeys = []string{"transaction", "signedTransaction", "txRaw", "txHex", "hex"}
	wrapperKeys  = []string{"result", "data", "response"}
)

const maxAnswerDepth = 6

func normalize(raw []byte) answer {
	if !gjson.ValidBytes(raw) {
		return answer{kind: answerMalformed}
	}
	return normalizeValue(gjson.ParseBytes(raw), 0)
}

func normalizeValue(v gjson.Result, depth int) answer {
	if depth > maxAnswerDepth {
		return answer{kind: answerMalformed}
	}
	switch {
	case v.Type == gjson.String:
		return fromHexString(v.String())
	case v.IsObject():
		return fromObject(v, depth)
	}
	return answer{kind: answerMalformed}
}

func fromHexString(s string) answer {
	if id, ok := stacks.NormalizeTxID(s); ok {
		return answer{kind: answerTxID, txid: id}
	}
	return fromSignedTx(s)
}

func fromSignedTx(s string) answer {
	h := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(h) <= stacks.TxIDLength || !stacks.IsHex(h) {
		return answer{kind: answerMalformed}
	}
	raw, err := stacks.DecodeHex(h)
	if err != nil {
		return answer{kind: answerMalformed}
	}
	return answer{kind: answerSignedTx, rawTx: raw}
}

func fromObject(v gjson.Result, depth int) answer {
	if status := v.Get("status"); status.Type == gjson.String {
		switch strings.ToLower(status.String()) {
		case "success":
			return normalizeValue(v.Get("result"), depth+1)
		case "error":
			e := v.Get("error")
			if e.Type == gjson.String {
				return answer{kind: answerRejected, err: wallet.ClassifyRPCError(0, e.String())}
			}
			return answer{kind: answerRejected, err: wallet.ClassifyRPCError(int(e.Get("code").Int()), e.Get("message").String())}
		}
	}
	for _, key := range txidKeys {
		if f := v.Get(key); f.Type == gjson.String {
			if id, ok := stacks.NormalizeTxID(f.String()); ok {
				return answer{kind: answerTxID, txid: id}
			}
			return answer{kind: answerMalformed}
		}
	}
	for _, key := range signedTxKeys {
		if f := v.Get(key); f.Type == gjson.String {
			return fromSignedTx(f.String())
		}
	}
	for _, key := range wrapperKeys {
		if f := v.Get(key); f.Exists() {
			return normalizeValue(f, depth+1)
		}
	}
	return answer{kind: answerMalformed}
}
