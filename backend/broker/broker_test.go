package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("register: %w", NewError(KindNameCollision, errors.New("taken")))

	assert.Equal(t, KindNameCollision, KindOf(err))
	assert.ErrorIs(t, err, ErrNameCollision)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "broker: closed", ErrClosed.Error())
	assert.Equal(t, "broker: network: eof", NewError(KindNetwork, errors.New("eof")).Error())
}
