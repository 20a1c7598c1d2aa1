package retry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	deltranerrors "deltran/pkg/errors"
)

func TestClassifyBusinessErrorsNeverRetryable(t *testing.T) {
	for _, err := range []error{
		deltranerrors.ErrRailBusinessReject,
		deltranerrors.ErrInsufficientBalance,
		deltranerrors.ErrComplianceNotCleared,
		deltranerrors.ErrTokensNotReserved,
		deltranerrors.ErrNostroInactive,
	} {
		class := Classify(err)
		require.Equal(t, ClassBusiness, class)
		require.False(t, class.Retryable())
	}
}

func TestClassifyConfigurationErrorNeverRetryable(t *testing.T) {
	class := Classify(deltranerrors.ErrRailConfiguration)
	require.Equal(t, ClassConfiguration, class)
	require.False(t, class.Retryable())
}

func TestClassifyChannelDownIsRetryable(t *testing.T) {
	require.True(t, Classify(deltranerrors.ErrRailUnavailable).Retryable())
	require.True(t, Classify(deltranerrors.ErrWindowExhausted).Retryable())
}

func TestClassifyUnrecognizedErrorIsTransientAndRetryable(t *testing.T) {
	class := Classify(errors.New("connection reset by peer"))
	require.Equal(t, ClassTransient, class)
	require.True(t, class.Retryable())
}

func TestClassifyNilErrorIsUnknown(t *testing.T) {
	require.Equal(t, ClassUnknown, Classify(nil))
}

func TestClassifyWrappedErrorStillClassifies(t *testing.T) {
	wrapped := deltranerrors.Wrap(deltranerrors.ErrRailBusinessReject, "rail: initiate failed")
	require.Equal(t, ClassBusiness, Classify(wrapped))
}
