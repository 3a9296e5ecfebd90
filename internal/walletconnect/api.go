package walletconnect

import (
	"net/url"
	"strings"

	"github.com/skip2/go-qrcode"
	"moff.io/vault-wallet/pkg/errors"
	"moff.io/vault-wallet/pkg/wcrypto"
)

const DefaultQRSize = 256

// QRCode renders uri as a PNG the user can scan with a wallet.
func QRCode(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode wallet connect qr code")
	}
	return png, nil
}

// DeepLink hands uri to a wallet app through its launcher url.
func DeepLink(launcher, uri string) string {
	sep := "?"
	if strings.Contains(launcher, "?") {
		sep = "&"
	}
	return launcher + sep + "uri=" + url.QueryEscape(uri)
}

func ParsePairingURI(uri string) (*wcrypto.PairingURI, error) {
	return wcrypto.ParsePairingURI(uri)
}
