package client

import (
	"strings"
	"testing"

	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventReader(t *testing.T) {
	stream := strings.Join([]string{
		": ping",
		"",
		`data: {"type":"heartbeat-reply"}`,
		"",
		`data: {"type":"list-item-deleted",`,
		`data: "data":{"listId":"l1","itemId":"i1"}}`,
		"",
		`data: {"type":"from-the-future"}`,
		"",
		"event: close",
		"data: {}",
		"",
		`data: {"type":"heartbeat-reply"}`,
		"",
	}, "\n")
	r := newEventReader(strings.NewReader(stream))

	e, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, domain.EventHeartbeatReply, e.Type)

	e, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, domain.ItemDeleted{ListID: "l1", ItemID: "i1"}, e.Payload)

	_, err = r.next()
	assert.ErrorIs(t, err, errStreamEnded)
}

func TestEventReader_EOF(t *testing.T) {
	r := newEventReader(strings.NewReader(`data: {"type":"heartbeat-reply"}` + "\n\n"))

	_, err := r.next()
	require.NoError(t, err)
	_, err = r.next()
	assert.ErrorIs(t, err, errStreamEnded)
}
