package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStore_AppendRead_PreservesOrder(t *testing.T) {
	s := New()

	s.Append("call-1", Turn{Role: RoleUser, Text: "hello", Timestamp: time.Now()})
	s.Append("call-1", Turn{Role: RoleAgent, Text: "hi there", Timestamp: time.Now()})

	turns := s.Read("call-1")
	if assert.Len(t, turns, 2) {
		assert.Equal(t, RoleUser, turns[0].Role)
		assert.Equal(t, RoleAgent, turns[1].Role)
	}
}

func TestStore_Read_Unknown(t *testing.T) {
	s := New()
	assert.Empty(t, s.Read("nope"))
}

func TestStore_Read_ReturnsSnapshot(t *testing.T) {
	s := New()
	s.Append("call-1", Turn{Role: RoleUser, Text: "first"})

	turns := s.Read("call-1")
	s.Append("call-1", Turn{Role: RoleUser, Text: "second"})

	assert.Len(t, turns, 1, "snapshot must not observe later appends")
}
