package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"ssh auth rejection", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"), AuthenticationErrorType},
		{"refused", errors.New("dial tcp 10.0.0.1:22: connect: connection refused"), ConnectionErrorType},
		{"missing executable", errors.New(`exec: "nope": executable file not found in $PATH`), CommandFailedErrorType},
		{"non-zero exit", errors.New("exit status 3"), CommandFailedErrorType},
		{"other", errors.New("something odd"), UnknownErrorType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err).Type)
		})
	}

	assert.Nil(t, ClassifyError(nil))
}

func TestClassifyError_KeepsExplicitType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewMalformedRowError("row 3", errors.New("exit status 1")))
	assert.Equal(t, MalformedRowErrorType, ClassifyError(err).Type)
	assert.Equal(t, MalformedRowErrorType, TypeOf(err))
}

func TestIsType(t *testing.T) {
	inner := NewConnectionError("dial", errors.New("connection refused"))
	outer := NewAuthenticationError("node h1", inner)

	assert.True(t, IsType(outer, AuthenticationErrorType))
	assert.True(t, IsType(outer, ConnectionErrorType))
	assert.False(t, IsType(outer, UsageErrorType))
	assert.False(t, IsType(errors.New("plain"), UsageErrorType))
	assert.True(t, errors.Is(outer, &ClassifiedError{Type: AuthenticationErrorType}))
}

func TestErrorType_Fatal(t *testing.T) {
	assert.True(t, UsageErrorType.Fatal())
	assert.True(t, MalformedRowErrorType.Fatal())
	assert.True(t, NoAliveNodesErrorType.Fatal())
	assert.False(t, AuthenticationErrorType.Fatal())
	assert.False(t, CommandFailedErrorType.Fatal())
}

func TestErrorCollector(t *testing.T) {
	ec := NewErrorCollector()
	assert.Equal(t, "no errors", ec.Summary())

	ec.Add(nil)
	ec.Add(NewAuthenticationError("h1", nil))
	ec.Add(NewAuthenticationError("h2", nil))
	ec.Add(errors.New("connection refused"))

	assert.True(t, ec.HasErrors())
	assert.Equal(t, 3, ec.Count())
	assert.Equal(t, 2, ec.CountByType(AuthenticationErrorType))
	assert.Equal(t, 1, ec.CountByType(ConnectionErrorType))
	assert.Equal(t, "total: 3 errors (2 authentication, 1 connection)", ec.Summary())
}

func TestClassifiedError_Error(t *testing.T) {
	assert.Equal(t, "a: b", (&ClassifiedError{Message: "a", Original: errors.New("b")}).Error())
	assert.Equal(t, "a", (&ClassifiedError{Message: "a"}).Error())
	assert.Equal(t, "b", (&ClassifiedError{Original: errors.New("b")}).Error())
	assert.Equal(t, "unknown error", (&ClassifiedError{}).Error())
}
