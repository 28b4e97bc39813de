package thresholds

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault_KnownCategories(t *testing.T) {
	p := Default()

	v, ok := p.Get(TransactionVelocity, Block)
	assert.True(t, ok)
	assert.Equal(t, 20.0, v)

	w, s, b := p.Tiers(LoginAttempts)
	assert.Equal(t, 3.0, w)
	assert.Equal(t, 5.0, s)
	assert.Equal(t, 10.0, b)
}

func TestSet(t *testing.T) {
	p := Default()

	assert.True(t, p.Set(PriceRatio, Warning, 3))
	v, _ := p.Get(PriceRatio, Warning)
	assert.Equal(t, 3.0, v)

	// Unknown category or level is rejected, not created.
	assert.False(t, p.Set("no_such_category", Warning, 1))
	assert.False(t, p.Set(PriceRatio, "no_such_level", 1))
	_, ok := p.Get("no_such_category", Warning)
	assert.False(t, ok)
}

func TestSnapshot_IsACopy(t *testing.T) {
	p := Default()
	snap := p.Snapshot()
	snap[TransactionAmount][Block] = 1

	v, _ := p.Get(TransactionAmount, Block)
	assert.Equal(t, 100000.0, v, "mutating a snapshot must not affect the policy")
}

func TestConcurrentAccess(t *testing.T) {
	p := Default()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Set(TransactionVelocity, Block, 25)
		}()
		go func() {
			defer wg.Done()
			p.Tiers(TransactionVelocity)
		}()
	}
	wg.Wait()

	v, _ := p.Get(TransactionVelocity, Block)
	assert.Equal(t, 25.0, v)
}
