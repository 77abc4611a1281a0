package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_PutGet(t *testing.T) {
	r := New(zap.NewNop())
	defer r.Stop()

	ctx := &Context{RequestID: "req-1", CallID: "call-1", CreatedAt: time.Now()}
	r.Put(ctx)

	got := r.Get("req-1")
	require.NotNil(t, got)
	assert.Equal(t, "call-1", got.CallID)
}

func TestRegistry_Get_Missing(t *testing.T) {
	r := New(zap.NewNop())
	defer r.Stop()

	assert.Nil(t, r.Get("missing"))
}

func TestRegistry_Forget(t *testing.T) {
	r := New(zap.NewNop())
	defer r.Stop()

	r.Put(&Context{RequestID: "req-1", CallID: "call-1", CreatedAt: time.Now()})
	r.Forget("call-1")

	assert.Nil(t, r.Get("req-1"))
}

func TestRegistry_Sweep_RemovesExpiredOnly(t *testing.T) {
	r := New(zap.NewNop())
	defer r.Stop()

	r.Put(&Context{RequestID: "old", CallID: "call-old", CreatedAt: time.Now().Add(-48 * time.Hour)})
	r.Put(&Context{RequestID: "fresh", CallID: "call-fresh", CreatedAt: time.Now()})

	r.Sweep(TTL)

	assert.Nil(t, r.Get("old"))
	assert.NotNil(t, r.Get("fresh"))
}
