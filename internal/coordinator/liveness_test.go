package coordinator

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOSProcessTableAlive(t *testing.T) {
	procs := OSProcessTable{}

	assert.True(t, procs.Alive(os.Getpid()))
	assert.False(t, procs.Alive(0))
	assert.False(t, procs.Alive(-1))
	// pid_max is at most 2^22 on Linux
	assert.False(t, procs.Alive(1<<22+1))
}
