package wcrypto

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"moff.io/vault-wallet/pkg/errors"
)

// Pairing protocol markers.
const (
	URIScheme       = "wc"
	ProtocolName    = "wc"
	ProtocolVersion = "2"
)

// PairingURI is the out-of-band invitation the wallet scans.
type PairingURI struct {
	Topic    string
	Version  string
	RelayURL string
	Key      []byte
}

// String renders wc:<topic>@<version>?relay=<escaped>&key=<hex>.
func (p *PairingURI) String() string {
	return fmt.Sprintf("%s:%s@%s?relay=%s&key=%s",
		URIScheme, p.Topic, p.Version, url.QueryEscape(p.RelayURL), hex.EncodeToString(p.Key))
}

// ParsePairingURI is the inverse of PairingURI.String.
func ParsePairingURI(raw string) (*PairingURI, error) {
	rest := strings.TrimPrefix(raw, URIScheme+":")
	if rest == raw {
		return nil, errors.Errorf("pairing uri %q has no %s: scheme", raw, URIScheme)
	}
	head, query, ok := strings.Cut(rest, "?")
	if !ok {
		return nil, errors.Errorf("pairing uri %q has no query", raw)
	}
	topic, version, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return nil, errors.Errorf("pairing uri %q has no topic", raw)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrap(err, "parse pairing uri query")
	}
	key, err := hex.DecodeString(values.Get("key"))
	if err != nil || len(key) != KeySize {
		return nil, errors.Errorf("pairing uri %q has an invalid key", raw)
	}
	return &PairingURI{
		Topic:    topic,
		Version:  version,
		RelayURL: values.Get("relay"),
		Key:      key,
	}, nil
}

// GetWebSocketUrl turns an http(s) relay url into the websocket endpoint.
func GetWebSocketUrl(relayURL, protocol, version, projectID string) string {
	switch {
	case strings.HasPrefix(relayURL, "https://"):
		relayURL = "wss://" + strings.TrimPrefix(relayURL, "https://")
	case strings.HasPrefix(relayURL, "http://"):
		relayURL = "ws://" + strings.TrimPrefix(relayURL, "http://")
	}
	q := url.Values{}
	q.Set("protocol", protocol)
	q.Set("version", version)
	if projectID != "" {
		q.Set("projectId", projectID)
	}
	sep := "?"
	if strings.Contains(relayURL, "?") {
		sep = "&"
	}
	return relayURL + sep + q.Encode()
}
