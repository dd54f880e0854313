package repository

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(driver.ErrBadConn))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(&net.OpError{Op: "read", Err: errors.New("reset")}))

	// connection exception class retries
	assert.True(t, IsTransient(&pq.Error{Code: "08006"}))
	// schema violations are permanent
	assert.False(t, IsTransient(&pq.Error{Code: "42P01"}))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("some business error")))
}

func TestPickNode(t *testing.T) {
	free := map[string]bool{"10.0.0.2": true, "10.0.0.1": true, "10.0.0.3": true}

	// lowest eligible IP wins
	assert.Equal(t, "10.0.0.1",
		pickNode([]string{"10.0.0.3", "10.0.0.1", "10.0.0.2"}, free, map[string]bool{}))

	// nodes taken earlier in the same round are skipped
	taken := map[string]bool{"10.0.0.1": true}
	assert.Equal(t, "10.0.0.2",
		pickNode([]string{"10.0.0.1", "10.0.0.2"}, free, taken))

	// busy nodes are not free
	assert.Equal(t, "",
		pickNode([]string{"10.0.0.9"}, free, map[string]bool{}))

	// an engine with no eligible nodes gets nothing
	assert.Equal(t, "", pickNode(nil, free, map[string]bool{}))
}
