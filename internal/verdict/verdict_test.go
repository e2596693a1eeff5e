package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_Valid(t *testing.T) {
	v, err := Parse("wrong-answer")
	assert.NoError(t, err)
	assert.Equal(t, WrongAnswer, v)
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse("segfault")
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, Pending.IsTerminal())
	assert.False(t, Judging.IsTerminal())
	assert.True(t, Accepted.IsTerminal())
	assert.True(t, TLE.IsTerminal())
	assert.True(t, InternalError.IsTerminal())
}
