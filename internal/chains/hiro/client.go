package hiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/ratelimit"
	"moff.io/vault-wallet/internal/chains/stacks"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/log"
)

type Client interface {
	// GetBalance returns the STX balance of an address.
	GetBalance(ctx context.Context, address string) (*Balance, error)
	// CallReadOnly evaluates a read-only contract function.
	CallReadOnly(ctx context.Context, req *ReadOnlyRequest) (stacks.Value, error)
	// Broadcast submits a signed transaction and returns the node's txid.
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	// GetTransaction returns what the API knows of a submitted transaction.
	GetTransaction(ctx context.Context, txid string) (*Transaction, error)
}

type client struct {
	apiBaseURL string
	apiKey     string

	httpClient *http.Client
	limiter    ratelimit.Limiter
}

const (
	defaultTimeout   = time.Second * 10
	defaultRateLimit = 10
	maxBody          = 1 << 20
)

// NewClient builds a client for a Hiro-compatible API. ratePerSecond <= 0
// uses the default pacing.
func NewClient(apiBaseURL, apiKey string, ratePerSecond int) Client {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRateLimit
	}
	return &client{
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		limiter: ratelimit.New(ratePerSecond),
	}
}

// Balance amounts are in micro-STX.
type Balance struct {
	Balance decimal.Decimal
	Locked  decimal.Decimal
}

// Available is the spendable part of the balance.
func (b *Balance) Available() decimal.Decimal {
	return b.Balance.Sub(b.Locked)
}

// STX converts micro-STX into STX.
func STX(micro decimal.Decimal) decimal.Decimal {
	return micro.Shift(-6)
}

// MicroSTX converts STX into micro-STX, truncating below one micro-STX.
func MicroSTX(stx decimal.Decimal) decimal.Decimal {
	return stx.Shift(6).Truncate(0)
}

func (c *client) GetBalance(ctx context.Context, address string) (*Balance, error) {
	path := fmt.Sprintf("/extended/v1/address/%s/stx", url.PathEscape(address))
	body, err := c.request(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	result := gjson.ParseBytes(body)
	balance, err := decimal.NewFromString(orZero(result.Get("balance").String()))
	if err != nil {
		return nil, errors.WrapAndReport(err, "parse stx balance")
	}
	locked, err := decimal.NewFromString(orZero(result.Get("locked").String()))
	if err != nil {
		return nil, errors.WrapAndReport(err, "parse locked stx")
	}
	return &Balance{Balance: balance, Locked: locked}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

type ReadOnlyRequest struct {
	Contract     stacks.ContractID
	FunctionName string
	// Sender is the principal the call is evaluated as.
	Sender    string
	Arguments []stacks.Value
}

// ReadOnlyError is returned when the node evaluated the call and refused it.
type ReadOnlyError struct {
	Function string
	Cause    string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("read-only %s failed: %s", e.Function, e.Cause)
}

func (c *client) CallReadOnly(ctx context.Context, req *ReadOnlyRequest) (stacks.Value, error) {
	args := make([]string, 0, len(req.Arguments))
	for i, a := range req.Arguments {
		h, err := stacks.SerializeHex(a)
		if err != nil {
			return nil, errors.Wrapf(err, "serialize argument %d of %s", i, req.FunctionName)
		}
		args = append(args, h)
	}
	sender := req.Sender
	if sender == "" {
		sender = req.Contract.Address
	}
	payload, err := json.Marshal(map[string]interface{}{
		"sender":    sender,
		"arguments": args,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	path := fmt.Sprintf("/v2/contracts/call-read/%s/%s/%s",
		url.PathEscape(req.Contract.Address), url.PathEscape(req.Contract.Name), url.PathEscape(req.FunctionName))
	body, err := c.request(ctx, http.MethodPost, path, "application/json", payload)
	if err != nil {
		return nil, err
	}
	result := gjson.ParseBytes(body)
	if !result.Get("okay").Bool() {
		return nil, &ReadOnlyError{Function: req.FunctionName, Cause: result.Get("cause").String()}
	}
	value, err := stacks.DeserializeHex(result.Get("result").String())
	if err != nil {
		return nil, errors.WrapfAndReport(err, "decode %s result", req.FunctionName)
	}
	return value, nil
}

// BroadcastError carries the node's rejection of a transaction.
type BroadcastError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *BroadcastError) Error() string {
	switch {
	case e.Reason != "" && e.Message != "":
		return fmt.Sprintf("broadcast rejected (%d): %s: %s", e.StatusCode, e.Message, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("broadcast rejected (%d): %s", e.StatusCode, e.Reason)
	default:
		return fmt.Sprintf("broadcast rejected (%d): %s", e.StatusCode, e.Message)
	}
}

func (c *client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	resp, body, err := c.do(ctx, http.MethodPost, "/v2/transactions", "application/octet-stream", rawTx)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newBroadcastError(resp.StatusCode, body)
	}
	text := strings.TrimSpace(string(body))
	if parsed := gjson.Parse(text); parsed.Type == gjson.String {
		text = parsed.String()
	}
	txid, ok := stacks.NormalizeTxID(text)
	if !ok {
		return "", &BroadcastError{StatusCode: resp.StatusCode, Message: "unexpected broadcast response: " + text}
	}
	if local := stacks.TxID(rawTx); local != txid {
		log.Warnf("hiro - node txid %v differs from local digest %v", txid, local)
	}
	return txid, nil
}

// ErrTxNotFound is returned until the API has indexed a transaction.
var ErrTxNotFound = errors.New("transaction not found")

// Transaction statuses reported by the API. Every abort and drop status is a failure.
const (
	TxPending = "pending"
	TxSuccess = "success"
)

type Transaction struct {
	TxID        string `json:"txid"`
	Status      string `json:"status"`
	Type        string `json:"type,omitempty"`
	Function    string `json:"function,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	// Result is the Clarity repr of the contract call result.
	Result string `json:"result,omitempty"`
}

// Confirmed reports whether the transaction is in a block.
func (t *Transaction) Confirmed() bool {
	return t.BlockHash != ""
}

// Final reports whether the status can no longer change short of a reorg.
func (t *Transaction) Final() bool {
	return t.Confirmed() || (t.Status != "" && t.Status != TxPending)
}

func (t *Transaction) Failed() bool {
	return t.Status != "" && t.Status != TxPending && t.Status != TxSuccess
}

func (c *client) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	id, ok := stacks.NormalizeTxID(txid)
	if !ok {
		return nil, errors.Errorf("%q is not a transaction id", txid)
	}
	path := "/extended/v1/tx/0x" + id
	resp, body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrap(ErrTxNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.ErrorfAndReport("request hiro GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	result := gjson.ParseBytes(body)
	tx := &Transaction{
		TxID:        id,
		Status:      result.Get("tx_status").String(),
		Type:        result.Get("tx_type").String(),
		Function:    result.Get("contract_call.function_name").String(),
		BlockHash:   result.Get("block_hash").String(),
		BlockHeight: result.Get("block_height").Uint(),
		Result:      result.Get("tx_result.repr").String(),
	}
	if tx.Status == "" {
		tx.Status = TxPending
	}
	return tx, nil
}

func newBroadcastError(status int, body []byte) *BroadcastError {
	parsed := gjson.ParseBytes(body)
	e := &BroadcastError{StatusCode: status}
	if parsed.IsObject() {
		e.Message = parsed.Get("error").String()
		e.Reason = parsed.Get("reason").String()
	}
	if e.Message == "" && e.Reason == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

func (c *client) request(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	resp, body, err := c.do(ctx, method, path, contentType, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.ErrorfAndReport("request hiro %s %s: %d %s", method, path, resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *client) do(ctx context.Context, method, path, contentType string, payload []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBaseURL+path, reader)
	if err != nil {
		return nil, nil, errors.WrapAndReport(err, "create new http request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	c.limiter.Take()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, errors.Wrap(ctx.Err(), path)
		}
		return nil, nil, errors.WithStackAndReport(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, errors.WithStackAndReport(err)
	}
	return resp, b, nil
}
