package ban

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

func TestMatchByCertHash(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, CertHash: "AABBCC", Start: time.Now(), Duration: 0})

	got := c.Match(nil, "aabbcc")
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.ID)
	assert.Nil(t, c.Match(nil, "ddeeff"))
}

func TestMatchByCIDR(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, IP: "10.0.0.0/24", Start: time.Now()})

	assert.True(t, c.Banned(net.ParseIP("10.0.0.42"), ""))
	assert.False(t, c.Banned(net.ParseIP("10.0.1.42"), ""))
}

func TestBareAddressBansSingleHost(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, IP: "192.168.1.7", Start: time.Now()})

	assert.True(t, c.Banned(net.ParseIP("192.168.1.7"), ""))
	assert.False(t, c.Banned(net.ParseIP("192.168.1.8"), ""))
}

func TestExpiredBanIgnored(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, CertHash: "aa", Start: time.Now().Add(-10 * time.Minute), Duration: 60})
	c.Add(&core.Ban{ID: 2, CertHash: "bb", Start: time.Now(), Duration: 600})

	assert.Nil(t, c.Match(nil, "aa"))
	assert.NotNil(t, c.Match(nil, "bb"))
}

func TestSweepDropsExpired(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, CertHash: "aa", Start: time.Now().Add(-10 * time.Minute), Duration: 60})
	c.Add(&core.Ban{ID: 2, IP: "10.0.0.0/8", Start: time.Now()})

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Banned(net.ParseIP("10.1.2.3"), ""))
}

func TestRemove(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, CertHash: "aa", IP: "10.0.0.0/8", Start: time.Now()})
	c.Remove(1)

	assert.Nil(t, c.Match(net.ParseIP("10.1.1.1"), "aa"))
	assert.Equal(t, 0, c.Len())
}

func TestReplace(t *testing.T) {
	c := NewCache()
	c.Add(&core.Ban{ID: 1, CertHash: "aa", Start: time.Now()})
	c.Replace([]core.Ban{{ID: 2, CertHash: "bb", Start: time.Now()}})

	assert.Nil(t, c.Match(nil, "aa"))
	assert.NotNil(t, c.Match(nil, "bb"))
	require.Len(t, c.List(), 1)
}
