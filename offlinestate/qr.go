package offlinestate

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// QRExport is an envelope rendered for air-gapped transport: the same
// base64 payload ToBase64 produces, alongside a QR rendering of it.
// Adapted from the teacher's path_wallet_qr.go, which rendered a receive
// address as a QR code; here the payload is the full offline state rather
// than a BIP21 URI, since the point is handing a cold signer the whole
// envelope, not just a destination.
type QRExport struct {
	Payload   string `json:"payload"`
	PNGBase64 string `json:"qrPng,omitempty"`
	ASCII     string `json:"qrAscii,omitempty"`
}

// ExportQRPNG renders state as a base64 payload plus a base64-encoded PNG
// QR code sized to pixels (spec §6 "Transport... QR-encodable for
// air-gapped signer handoff").
func ExportQRPNG(state State, pixels int) (QRExport, error) {
	if pixels < 64 || pixels > 1024 {
		return QRExport{}, fmt.Errorf("offlinestate: qr size must be between 64 and 1024, got %d", pixels)
	}
	payload, err := ToBase64(state)
	if err != nil {
		return QRExport{}, err
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, pixels)
	if err != nil {
		return QRExport{}, fmt.Errorf("offlinestate: encode qr png: %w", err)
	}
	return QRExport{
		Payload:   payload,
		PNGBase64: base64.StdEncoding.EncodeToString(png),
	}, nil
}

// ExportQRASCII renders state as a base64 payload plus a terminal-printable
// ASCII QR code, for displaying the envelope to a cold signer without a
// screen capable of rendering PNGs.
func ExportQRASCII(state State) (QRExport, error) {
	payload, err := ToBase64(state)
	if err != nil {
		return QRExport{}, err
	}
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return QRExport{}, fmt.Errorf("offlinestate: build qr: %w", err)
	}
	return QRExport{
		Payload: payload,
		ASCII:   qr.ToSmallString(false),
	}, nil
}
