package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClaimOwner(t *testing.T) {
	short := claimOwner("worker-1")
	assert.True(t, strings.HasPrefix(short, "worker-1:"))
	assert.Len(t, short, len("worker-1:")+36)
	assert.NotEqual(t, short, claimOwner("worker-1"), "each scan claims under a fresh owner")

	long := claimOwner(strings.Repeat("exam-attempts-worker-", 5))
	assert.Len(t, long, maxClaimInstanceLen+1+36)
	assert.True(t, strings.HasPrefix(long, strings.Repeat("exam-attempts-worker-", 5)[:maxClaimInstanceLen]+":"))
}
