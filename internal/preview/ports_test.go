package preview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPortAllocatorMonotonic(t *testing.T) {
	a := NewPortAllocator(3000, 0)

	assert.Equal(t, 3000, a.Next())
	assert.Equal(t, 3001, a.Next())

	// without a quarantine released ports are never handed out again
	a.Release(3000)
	a.Release(3001)
	assert.Equal(t, 3002, a.Next())
	assert.Equal(t, 3003, a.Next())
}

func TestPortAllocatorQuarantine(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	a := NewPortAllocator(3000, 30*time.Second)
	a.now = func() time.Time { return now }

	for want := 3000; want < 3003; want++ {
		assert.Equal(t, want, a.Next())
	}

	a.Release(3001)
	now = now.Add(10 * time.Second)
	a.Release(3000)

	// nothing has served its quarantine yet
	assert.Equal(t, 3003, a.Next())

	now = now.Add(25 * time.Second)
	// 3001 was released 35s ago, 3000 only 25s ago
	assert.Equal(t, 3001, a.Next())
	assert.Equal(t, 3004, a.Next())

	now = now.Add(5 * time.Second)
	assert.Equal(t, 3000, a.Next())
	assert.Equal(t, 3005, a.Next())
}

func TestPortAllocatorPrefersLowestEligible(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	a := NewPortAllocator(4000, time.Second)
	a.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		a.Next()
	}
	a.Release(4003)
	a.Release(4001)
	now = now.Add(2 * time.Second)

	assert.Equal(t, 4001, a.Next())
	assert.Equal(t, 4003, a.Next())
	assert.Equal(t, 4005, a.Next())
}
