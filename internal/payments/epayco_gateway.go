package payments

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	domain "github.com/eventfield/api/internal/domain"
)

// ePayco confirmation fields.
const (
	EPaycoFieldReference       = "x_ref_payco"
	EPaycoFieldTransactionID   = "x_transaction_id"
	EPaycoFieldAmount          = "x_amount"
	EPaycoFieldCurrencyCode    = "x_currency_code"
	EPaycoFieldSignature       = "x_signature"
	EPaycoFieldInvoiceID       = "x_id_invoice"
	EPaycoFieldResponseCode    = "x_cod_response"
	EPaycoFieldTransactionDate = "x_transaction_date"
)

// EPaycoFields lists every field read from an ePayco confirmation request.
var EPaycoFields = []string{
	EPaycoFieldReference,
	EPaycoFieldTransactionID,
	EPaycoFieldAmount,
	EPaycoFieldCurrencyCode,
	EPaycoFieldSignature,
	EPaycoFieldInvoiceID,
	EPaycoFieldResponseCode,
	EPaycoFieldTransactionDate,
}

// EPaycoGatewayConfig configures the EPaycoGateway.
type EPaycoGatewayConfig struct {
	ClientID  domain.Secret
	SecretKey domain.Secret
	Table     *StatusTable
	Logger    GatewayLogger
}

// EPaycoGateway authenticates ePayco confirmation callbacks.
type EPaycoGateway struct {
	clientID  domain.Secret
	secretKey domain.Secret
	table     *StatusTable
	logger    GatewayLogger
}

// NewEPaycoGateway constructs an ePayco gateway using the merchant credentials.
func NewEPaycoGateway(cfg EPaycoGatewayConfig) (*EPaycoGateway, error) {
	if strings.TrimSpace(cfg.ClientID.Reveal()) == "" {
		return nil, errors.New("epayco: client id is required")
	}
	if strings.TrimSpace(cfg.SecretKey.Reveal()) == "" {
		return nil, errors.New("epayco: secret key is required")
	}
	table := cfg.Table
	if table == nil {
		table = DefaultEPaycoStatusTable()
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("epayco: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &EPaycoGateway{
		clientID:  cfg.ClientID,
		secretKey: cfg.SecretKey,
		table:     table,
		logger:    logger,
	}, nil
}

// Name implements Gateway.
func (g *EPaycoGateway) Name() string {
	return GatewayEPayco
}

// StatusTable implements Gateway.
func (g *EPaycoGateway) StatusTable() *StatusTable {
	return g.table
}

// Authenticate recomputes the confirmation signature and compares it with x_signature in
// constant time.
func (g *EPaycoGateway) Authenticate(ctx context.Context, n domain.GatewayNotification) (Authenticated, error) {
	given := strings.ToLower(firstNonEmpty(n.Signature, n.Field(EPaycoFieldSignature)))
	if given == "" {
		g.logger(ctx, "epayco.signature.missing", map[string]any{
			"reference": n.Field(EPaycoFieldReference),
		})
		return Authenticated{}, fmt.Errorf("%w: signature missing", ErrSignatureMismatch)
	}

	expected := g.Sign(n.Fields)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(given)) != 1 {
		g.logger(ctx, "epayco.signature.mismatch", map[string]any{
			"reference": n.Field(EPaycoFieldReference),
		})
		return Authenticated{}, ErrSignatureMismatch
	}

	return Authenticated{
		Provider:     g.Name(),
		InvoiceID:    firstNonEmpty(n.InvoiceID, n.Field(EPaycoFieldInvoiceID)),
		ResponseCode: firstNonEmpty(n.ResponseCode, n.Field(EPaycoFieldResponseCode)),
		Reference:    n.Field(EPaycoFieldReference),
	}, nil
}

// Sign computes the hex encoded SHA-256 signature ePayco attaches to confirmations:
// client_id^secret_key^x_ref_payco^x_transaction_id^x_amount^x_currency_code.
func (g *EPaycoGateway) Sign(fields map[string]string) string {
	parts := []string{
		g.clientID.Reveal(),
		g.secretKey.Reveal(),
		strings.TrimSpace(fields[EPaycoFieldReference]),
		strings.TrimSpace(fields[EPaycoFieldTransactionID]),
		strings.TrimSpace(fields[EPaycoFieldAmount]),
		strings.TrimSpace(fields[EPaycoFieldCurrencyCode]),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "^")))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
