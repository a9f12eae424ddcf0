package sms

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatMessage(t *testing.T) {
	require.Equal(t, "Ana, your turn at Central is #7.", FormatMessage(7, "Central", "Ana"))
}

func TestCheckStatus(t *testing.T) {
	require.NoError(t, CheckStatus("p", http.StatusAccepted))

	err := CheckStatus("p", http.StatusTooManyRequests)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)

	err = CheckStatus("p", http.StatusBadGateway)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)

	require.ErrorIs(t, CheckStatus("p", http.StatusUnauthorized), ErrRejected)
}
