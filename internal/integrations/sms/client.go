package sms

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrRejected marks a send the provider refused for good (bad number, bad
// credentials). Retrying it cannot succeed.
var ErrRejected = errors.New("sms rejected")

type Client interface {
	Notify(ctx context.Context, phone string, turnNumber int, pharmacyName, userName string) error
}

func FormatMessage(turnNumber int, pharmacyName, userName string) string {
	return fmt.Sprintf("%s, your turn at %s is #%d.", userName, pharmacyName, turnNumber)
}

// CheckStatus turns a provider HTTP status into an error. 429 and 5xx are
// retryable; any other non-2xx is ErrRejected.
func CheckStatus(provider string, code int) error {
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s http %d", provider, code)
	default:
		return errors.Wrapf(ErrRejected, "%s http %d", provider, code)
	}
}
