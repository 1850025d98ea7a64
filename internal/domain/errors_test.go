package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "decode_error", ErrorKind(ErrDecode))
	assert.Equal(t, "inference_timeout", ErrorKind(fmt.Errorf("batch 3: %w", ErrInferenceTimeout)))
	assert.Equal(t, "canceled", ErrorKind(ErrCanceled))
	assert.Equal(t, "internal", ErrorKind(errors.New("something else")))
	assert.Equal(t, "", ErrorKind(nil))
}
