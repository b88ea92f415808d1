package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "IoFailure", ErrIOFailure.String())
	assert.Equal(t, "CorruptMetadata", ErrCorruptMetadata.String())
	assert.Equal(t, "Unknown(99)", ErrorCode(99).String())
}

func TestRegionErrorMessage(t *testing.T) {
	err := NewExtent(ErrInvalidFlush, 3, "flush %d below %d", 4, 7)
	assert.Equal(t, "InvalidFlush: flush 4 below 7 (extent: 3)", err.Error())

	err = New(ErrClosed, "region closed")
	assert.Equal(t, "Closed: region closed", err.Error())
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := NewIOError(2, "pwrite", io.ErrShortWrite)
	wrapped := fmt.Errorf("write job 12: %w", inner)

	assert.Equal(t, ErrIOFailure, CodeOf(wrapped))
	assert.True(t, IsIOError(wrapped))
	assert.False(t, IsFatal(wrapped))
	assert.True(t, errors.Is(wrapped, io.ErrShortWrite))
	assert.Equal(t, ErrorCode(0), CodeOf(io.EOF))
}

func TestErrorsIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewReadOnlyError("write"))
	assert.True(t, errors.Is(err, &RegionError{Code: ErrReadOnlyRegion}))
	assert.False(t, errors.Is(err, &RegionError{Code: ErrOutOfBounds}))
}

func TestFatalIOError(t *testing.T) {
	err := NewFatalIOError(5, 3, 11, "fdatasync", io.ErrUnexpectedEOF)
	assert.True(t, IsFatal(err))
	assert.Equal(t, uint64(3), err.Generation)
	assert.Equal(t, uint64(11), err.FlushNumber)
}
