package payments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	domain "github.com/eventfield/api/internal/domain"
)

// CodeMapping is the commerce status and human label bound to one gateway response code.
type CodeMapping struct {
	Status domain.OrderStatus `yaml:"status"`
	Label  string             `yaml:"label"`
}

// StatusTable maps a gateway's closed range of response codes onto order statuses.
// A valid table is total over [Min, Max] and maps nothing outside it.
type StatusTable struct {
	Gateway string              `yaml:"-"`
	Min     int                 `yaml:"min"`
	Max     int                 `yaml:"max"`
	Codes   map[int]CodeMapping `yaml:"codes"`
}

// DefaultEPaycoStatusTable returns the ePayco response code table:
// 1 Aceptada, 2 Rechazada, 3 Pendiente, 4 Fallida.
func DefaultEPaycoStatusTable() *StatusTable {
	return &StatusTable{
		Gateway: domain.PaymentMethodEPayco,
		Min:     1,
		Max:     4,
		Codes: map[int]CodeMapping{
			1: {Status: domain.OrderStatusCompleted, Label: "Aceptada"},
			2: {Status: domain.OrderStatusCancelled, Label: "Rechazada"},
			3: {Status: domain.OrderStatusPending, Label: "Pendiente"},
			4: {Status: domain.OrderStatusFailed, Label: "Fallida"},
		},
	}
}

// DefaultStripeStatusTable returns the table used for the synthetic codes the Stripe
// gateway derives from payment intent event types.
func DefaultStripeStatusTable() *StatusTable {
	return &StatusTable{
		Gateway: "stripe",
		Min:     1,
		Max:     4,
		Codes: map[int]CodeMapping{
			1: {Status: domain.OrderStatusCompleted, Label: "succeeded"},
			2: {Status: domain.OrderStatusCancelled, Label: "canceled"},
			3: {Status: domain.OrderStatusPending, Label: "processing"},
			4: {Status: domain.OrderStatusFailed, Label: "payment_failed"},
		},
	}
}

// ParseCode parses a raw response code and checks it against the declared range.
func (t *StatusTable) ParseCode(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrMalformedResponseCode)
	}
	code, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponseCode, trimmed)
	}
	if code < t.Min || code > t.Max {
		return 0, fmt.Errorf("%w: %d not in [%d,%d]", ErrResponseCodeOutOfRange, code, t.Min, t.Max)
	}
	return code, nil
}

// Status returns the order status bound to an in-range code.
func (t *StatusTable) Status(code int) (domain.OrderStatus, error) {
	mapping, ok := t.Codes[code]
	if !ok || code < t.Min || code > t.Max {
		return "", fmt.Errorf("%w: %d", ErrResponseCodeOutOfRange, code)
	}
	return mapping.Status, nil
}

// Label returns the gateway's human readable name for the code, or an empty string.
func (t *StatusTable) Label(code int) string {
	return t.Codes[code].Label
}

// Validate checks that the table is total over its range and only maps known statuses.
func (t *StatusTable) Validate() error {
	if t == nil {
		return errors.New("status table is nil")
	}
	var result *multierror.Error
	if t.Min > t.Max {
		result = multierror.Append(result, fmt.Errorf("range [%d,%d] is empty", t.Min, t.Max))
	}
	for code := t.Min; code <= t.Max; code++ {
		mapping, ok := t.Codes[code]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("code %d is not mapped", code))
			continue
		}
		if !mapping.Status.Valid() {
			result = multierror.Append(result, fmt.Errorf("code %d maps to unknown status %q", code, mapping.Status))
		}
	}
	codes := make([]int, 0, len(t.Codes))
	for code := range t.Codes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		if code < t.Min || code > t.Max {
			result = multierror.Append(result, fmt.Errorf("code %d is outside range [%d,%d]", code, t.Min, t.Max))
		}
	}
	if result == nil {
		return nil
	}
	return fmt.Errorf("status table %q: %w", t.Gateway, result.ErrorOrNil())
}

type statusTableFile struct {
	Gateways map[string]*StatusTable `yaml:"gateways"`
}

// LoadStatusTables reads per gateway status tables from a YAML file of the form:
//
//	gateways:
//	  epayco:
//	    min: 1
//	    max: 4
//	    codes:
//	      1: {status: completed, label: Aceptada}
func LoadStatusTables(path string) (map[string]*StatusTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("payments: open status tables: %w", err)
	}
	defer f.Close()
	return DecodeStatusTables(f)
}

// DecodeStatusTables decodes and validates status tables from r.
func DecodeStatusTables(r io.Reader) (map[string]*StatusTable, error) {
	var file statusTableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("payments: decode status tables: %w", err)
	}
	if len(file.Gateways) == 0 {
		return nil, errors.New("payments: status tables file declares no gateways")
	}

	var result *multierror.Error
	tables := make(map[string]*StatusTable, len(file.Gateways))
	for name, table := range file.Gateways {
		key := normaliseName(name)
		if table == nil {
			result = multierror.Append(result, fmt.Errorf("status table %q is empty", key))
			continue
		}
		table.Gateway = key
		if err := table.Validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		tables[key] = table
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("payments: invalid status tables: %w", err)
	}
	return tables, nil
}
