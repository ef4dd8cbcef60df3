package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRedisLocker_UnreachableServer(t *testing.T) {
	client := NewRedisClient("127.0.0.1:1", "")
	defer client.Close()
	locker := NewRedisLocker(client, "")
	assert.Equal(t, "ipmon:", locker.prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	release, ok, err := locker.TryLock(ctx, "job:poll", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, release)
}
