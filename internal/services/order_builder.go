package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	domain "github.com/eventfield/api/internal/domain"
)

const (
	// DefaultPasswordLength is the length of passwords generated for new customers.
	DefaultPasswordLength = 16
	ePaycoPaymentTitle    = "ePayco"
	passwordAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// BuildAddress projects the postal fields of the checkout form.
func BuildAddress(info domain.UserInfo) domain.Address {
	return domain.Address{
		Address1: info.BillingAddress,
		Address2: info.ComplementaryBillingAddress,
		Country:  info.BillingCountry,
		City:     info.BillingCity,
	}
}

// BuildCustomerBilling projects the billing profile shared by the customer and the order.
func BuildCustomerBilling(info domain.UserInfo) domain.Billing {
	return domain.Billing{
		Email:     info.Email,
		FirstName: info.FirstName,
		LastName:  info.LastName,
		Phone:     info.Cellphone,
		Address:   BuildAddress(info),
	}
}

// BuildCustomer builds a customer creation request with a freshly generated password.
func BuildCustomer(info domain.UserInfo) (domain.NewCustomerRequest, error) {
	return buildCustomer(info, DefaultPasswordLength, rand.Reader)
}

func buildCustomer(info domain.UserInfo, passwordLength int, entropy io.Reader) (domain.NewCustomerRequest, error) {
	password, err := generatePassword(passwordLength, entropy)
	if err != nil {
		return domain.NewCustomerRequest{}, err
	}
	return domain.NewCustomerRequest{
		Email:     info.Email,
		FirstName: info.FirstName,
		LastName:  info.LastName,
		Billing:   BuildCustomerBilling(info),
		Password:  password,
	}, nil
}

// BuildPaymentMethod maps the submitted payment method onto the code/title pair recorded on
// the order. Unknown methods pass through unchanged.
func BuildPaymentMethod(info domain.UserInfo) domain.PaymentMethod {
	if info.PaymentMethod == domain.PaymentMethodEPayco {
		return domain.PaymentMethod{Code: domain.PaymentMethodEPayco, Title: ePaycoPaymentTitle}
	}
	return domain.PaymentMethod{Code: info.PaymentMethod, Title: info.PaymentMethod}
}

// MapProducts converts a cart item into an order line item.
func MapProducts(item domain.ShoppingCartItem) domain.LineItem {
	return domain.LineItem{ProductID: item.ID, Quantity: item.Quantity}
}

// BuildOrder builds an order creation request for the customer.
func BuildOrder(customer domain.Customer, info domain.UserInfo, products []domain.LineItem) domain.NewOrderRequest {
	return domain.NewOrderRequest{
		PaymentMethod: BuildPaymentMethod(info),
		CustomerID:    customer.ID,
		LineItems:     products,
		Billing:       BuildCustomerBilling(info),
		CustomerNote:  info.Comments,
	}
}

func generatePassword(length int, entropy io.Reader) (domain.Secret, error) {
	if length <= 0 {
		return "", errors.New("checkout: password length must be positive")
	}
	limit := big.NewInt(int64(len(passwordAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(entropy, limit)
		if err != nil {
			return "", fmt.Errorf("checkout: generate password: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return domain.Secret(buf), nil
}
