package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQueryName(t *testing.T) {
	assert.Equal(t, "INSERT", extractQueryName("INSERT INTO realtime_events (host) VALUES ($1)"))
	assert.Equal(t, "SELECT", extractQueryName("\n\tselect pg_notify($1, $2)"))
	assert.Equal(t, "LISTEN", extractQueryName("LISTEN lilbirdie_events"))
	assert.Equal(t, "unknown", extractQueryName("   "))
}
