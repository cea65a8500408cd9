package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrDuplicateSubscription, berr.ErrCodeDuplicateSubscription},
		{berr.ErrSubscriptionNotFound, berr.ErrCodeSubscriptionNotFound},
		{berr.ErrNotConnected, berr.ErrCodeNotConnected},
		{berr.ErrConnectionFailed, berr.ErrCodeConnectionFailed},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrHandlerTypeMismatch, berr.ErrCodeHandlerTypeMismatch},
		{berr.ErrHandlerPanic, berr.ErrCodeHandlerPanic},
		{berr.ErrDisposed, berr.ErrCodeDisposed},
		{berr.ErrInvalidConfig, berr.ErrCodeInvalidConfig},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestCodeSurvivesWrapAndJoin(t *testing.T) {
	err := fmt.Errorf("rabbitmq publish OrderCreated: %w", errors.Join(berr.ErrPublishFailed, errors.New("boom")))
	if !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed in chain, got %v", err)
	}

	if errors.Is(err, berr.ErrSerializationFailed) {
		t.Fatalf("unexpected ErrSerializationFailed in chain: %v", err)
	}
}
