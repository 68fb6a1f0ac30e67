package nebulaerrors

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeQuery, "noop"))
}

func TestWrapPreservesStackAndCause(t *testing.T) {
	inner := New(ErrorTypeConnection, "dial failed")
	outer := Wrap(inner, ErrorTypeQuery, "exec")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, errors.Is(outer, inner))
	assert.Equal(t, ErrorTypeQuery, TypeOf(outer))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", io.EOF, false},
		{"timeout", New(ErrorTypeTimeout, "x"), true},
		{"connection", New(ErrorTypeConnection, "x"), true},
		{"conflict", New(ErrorTypeConflict, "x"), true},
		{"serialization", New(ErrorTypeSerialization, "x"), false},
		{"protocol", New(ErrorTypeProtocol, "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTypeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))
}

func TestNewf(t *testing.T) {
	err := Newf(ErrorTypeConfig, "missing %s", "dsn")
	assert.Equal(t, "config: missing dsn", err.Error())
	assert.NotEmpty(t, err.Stack)
}
