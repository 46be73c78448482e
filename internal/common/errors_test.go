package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"timeout", fmt.Errorf("azure analyze: %w", ErrTimeout), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"store", ErrStoreUnavailable, KindTransient},
		{"model", ErrModel, KindTransient},
		{"malformed response", ErrMalformedResponse, KindTransient},
		{"service 503", &ServiceError{Status: 503, Message: "busy"}, KindTransient},
		{"service 429", &ServiceError{Status: 429}, KindTransient},
		{"service 400", &ServiceError{Status: 400, Message: "bad"}, KindStructural},
		{"unauthorized", ErrUnauthorized, KindStructural},
		{"schema conflict", ErrSchemaConflict, KindStructural},
		{"not found", ErrNotFound, KindStructural},
		{"explicit kind", &AppError{Code: "X", Kind: KindInfrastructure}, KindInfrastructure},
		{"unknown", errors.New("boom"), KindStructural},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "Timeout", Code(fmt.Errorf("ocr: %w", ErrTimeout)))
	assert.Equal(t, "ServiceError", Code(&ServiceError{Status: 500}))
	assert.Equal(t, "ConcurrentJobConflict", Code(ErrConcurrentJobConflict))
	assert.Equal(t, "CONFIG_ERROR", Code(NewAppError("CONFIG_ERROR", "bad", ErrInvalidInput)))
	assert.Equal(t, "Internal", Code(errors.New("x")))
}

func TestNewAppErrorInheritsKind(t *testing.T) {
	err := NewAppError("OCR", "analyze", ErrTimeout)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "OCR: analyze: timeout", err.Error())
}
