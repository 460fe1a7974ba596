package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "direct typed error",
			err:  NewError(KindNotFound, "instance %s not found", "abc"),
			kind: KindNotFound,
		},
		{
			name: "wrapped typed error",
			err:  fmt.Errorf("facade: %w", NewError(KindConflict, "instance completed")),
			kind: KindConflict,
		},
		{
			name: "typed error around a cause",
			err:  WrapError(KindStore, errors.New("connection refused"), "save instance"),
			kind: KindStore,
		},
		{
			name: "plain error has no kind",
			err:  errors.New("boom"),
			kind: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			if tt.kind != "" {
				assert.True(t, IsKind(tt.err, tt.kind))
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("tx aborted")
	err := WrapError(KindStore, cause, "replace variables")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "STORE_ERROR")
	assert.Contains(t, err.Error(), "tx aborted")
}
