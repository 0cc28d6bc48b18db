package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolvesDefaultHost(t *testing.T) {
	r := NewRegistry(Options{})
	t.Cleanup(r.StopAll)

	main := r.Host("")
	require.NotNil(t, main)
	assert.Same(t, main, r.Host(DefaultHost))
	assert.Equal(t, DefaultHost, main.Name())

	r.Host("party")
	assert.Equal(t, []string{"main", "party"}, r.Names())

	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestRegistry_StopAll(t *testing.T) {
	r := NewRegistry(Options{})
	h := r.Host("main")
	_, fc := connect(t, h, "")

	r.StopAll()

	assert.True(t, fc.isClosed())
	assert.Nil(t, r.Host("main"))
	assert.Nil(t, r.Host("other"))
}
