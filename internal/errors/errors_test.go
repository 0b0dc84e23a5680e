package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "noop"))

	err := Wrap(ErrBufferFull, "send")
	assert.Error(t, err)
	assert.NotEqual(t, ErrBufferFull, err)
}

func TestErrorCenter(t *testing.T) {
	ec := NewErrorCenter()

	var got []error
	ec.AddErrorCallback(func(err error) { got = append(got, err) })
	ec.AddErrorCallback(nil)
	ec.AddErrorCallback(func(err error) { got = append(got, fmt.Errorf("second: %w", err)) })

	ec.ReportError(ErrFatalClose)
	ec.ReportError(nil)
	assert.Len(t, got, 2)
	assert.ErrorIs(t, got[1], ErrFatalClose)

	var nilCenter *ErrorCenter
	assert.NotPanics(t, func() { nilCenter.ReportError(ErrFatalClose) })
}
