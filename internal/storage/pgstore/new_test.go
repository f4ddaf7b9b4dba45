package pgstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_RequiresDSN(t *testing.T) {
	s, err := New(context.Background(), "", nil)
	assert.Error(t, err)
	assert.Nil(t, s)
}
