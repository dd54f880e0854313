package deployer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrDeployFailedUnwrap(t *testing.T) {
	cause := errors.New("apt-get exited 100")
	err := &ErrDeployFailed{Engine: "dummy", Node: "10.0.0.1", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dummy")
	assert.Contains(t, err.Error(), "10.0.0.1")

	var target *ErrDeployFailed
	assert.True(t, errors.As(error(err), &target))
	assert.Equal(t, "dummy", target.Engine)
}
