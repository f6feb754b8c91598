package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError lists config fields that are missing or invalid, named like "Commerce.BaseURL".
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names in declaration order.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg Config) error {
	var fields []string

	var errs validator.ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		if !errors.As(err, &errs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range errs {
			// StructNamespace is "Config.Section.Field".
			_, name, _ := strings.Cut(fe.StructNamespace(), ".")
			fields = append(fields, name)
		}
	}

	// The store choice decides which backend settings are mandatory.
	switch cfg.Idempotency.Store {
	case IdempotencyStoreFirestore:
		if cfg.Firestore.ProjectID == "" {
			fields = append(fields, "Firestore.ProjectID")
		}
	case IdempotencyStoreRedis:
		if cfg.Redis.Addr == "" {
			fields = append(fields, "Redis.Addr")
		}
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
