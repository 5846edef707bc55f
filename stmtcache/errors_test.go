package stmtcache

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestPreparationError(t *testing.T) {
	err := error(&PreparationError{Owner: "w1", SQL: "select", Kind: KindCallable, Err: io.ErrUnexpectedEOF})
	assert.Equal(t, "stmtcache: prepare callable for w1: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	wrapped := errors.Wrap(err, "loading user")
	var perr *PreparationError
	assert.True(t, errors.As(wrapped, &perr))
	assert.Equal(t, "select", perr.SQL)
}

func TestCloseErrors(t *testing.T) {
	var none CloseErrors
	assert.NoError(t, none.Err())
	assert.Equal(t, "stmtcache: no close errors", none.Error())

	one := CloseErrors{{Owner: "w1", SQL: "select 1", Err: io.EOF}}
	assert.Equal(t, "stmtcache: close statement for w1: EOF", one.Error())

	errs := CloseErrors{
		{Owner: "w1", SQL: "select 1", Err: io.EOF},
		{Owner: "w1", SQL: "select 2", Err: io.ErrClosedPipe},
	}
	err := errs.Err()
	assert.Error(t, err)
	assert.Equal(t, "stmtcache: 2 statements failed to close: EOF; io: read/write on closed pipe", err.Error())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	var ce CloseError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "select 1", ce.SQL)
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := errors.Wrapf(ErrOwnerDone, "owner %s", "w1")
	assert.ErrorIs(t, err, ErrOwnerDone)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.Contains(t, err.Error(), "owner w1")
}
