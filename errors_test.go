package cdclake

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/cdclake/blobstore"
	"github.com/hupe1980/cdclake/internal/engine"
	"github.com/hupe1980/cdclake/internal/snapshot"
	"github.com/hupe1980/cdclake/model"
)

func TestTranslateErrorSentinels(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"closed", engine.ErrClosed, ErrClosed},
		{"dropped", engine.ErrTableDropped, ErrTableDropped},
		{"backpressure", fmt.Errorf("%w: %w", engine.ErrBackpressure, context.DeadlineExceeded), ErrBackpressure},
		{"stale read", engine.ErrStaleRead, ErrStaleRead},
		{"invalid event", fmt.Errorf("row: %w", model.ErrInvalidEvent), ErrInvalidEvent},
		{"out of order", engine.ErrOutOfOrder, ErrInvalidEvent},
		{"snapshot conflict", snapshot.ErrConflict, ErrConflictingCommit},
		{"store conflict", blobstore.ErrConflict, ErrConflictingCommit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.in)
		})
	}
}

func TestTranslateErrorNil(t *testing.T) {
	assert.NoError(t, translateError(nil))
	assert.NoError(t, translateIOError(nil))
}

func TestTranslateCorruptObject(t *testing.T) {
	in := &engine.ObjectError{Kind: "segment", Name: "7", Err: engine.ErrCorrupt}
	got := translateError(fmt.Errorf("flush: %w", in))

	var ce *CorruptError
	require.ErrorAs(t, got, &ce)
	assert.Equal(t, "segment", ce.Kind)
	assert.Equal(t, "7", ce.Name)
	assert.ErrorIs(t, got, ErrCorrupt)
	assert.Equal(t, StatusPermanent, StatusOf(got))
}

func TestTranslateRecoveryGap(t *testing.T) {
	got := translateError(&engine.GapError{From: 3, To: 9})

	var ge *RecoveryGapError
	require.ErrorAs(t, got, &ge)
	assert.Equal(t, LSN(3), ge.From)
	assert.Equal(t, LSN(9), ge.To)
	assert.ErrorIs(t, got, ErrRecoveryGap)
	assert.False(t, IsTemporary(got))
}

func TestTranslateIOError(t *testing.T) {
	ioErr := errors.New("connection reset")
	got := translateIOError(ioErr)
	assert.ErrorIs(t, got, ErrTransientIO)
	assert.ErrorIs(t, got, ioErr)
	assert.True(t, IsTemporary(got))

	assert.Equal(t, context.Canceled, translateIOError(context.Canceled))
	assert.ErrorIs(t, translateIOError(engine.ErrClosed), ErrClosed)
	assert.NotErrorIs(t, translateIOError(engine.ErrClosed), ErrTransientIO)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusTemporary, StatusOf(ErrBackpressure))
	assert.Equal(t, StatusTemporary, StatusOf(fmt.Errorf("commit: %w", ErrConflictingCommit)))
	assert.Equal(t, StatusPermanent, StatusOf(ErrInvalidEvent))
	assert.Equal(t, "temporary", StatusTemporary.String())
	assert.Equal(t, "permanent", StatusPermanent.String())
}
