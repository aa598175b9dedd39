package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicSetGet(t *testing.T) {
	c := New()
	c.Set("127.0.0.1", "", GranularityIP, time.Second, []byte(`{"test":"data"}`))

	entry, ok := c.Get("127.0.0.1", "", GranularityIP)
	require.True(t, ok)
	assert.JSONEq(t, `{"test":"data"}`, string(entry.Data))
}

func TestGranularityIsolatesEntries(t *testing.T) {
	c := New()
	c.Set("127.0.0.1", "", GranularityIP, time.Second, []byte(`{"type":"ip_only"}`))
	c.Set("127.0.0.1", "example.com", GranularityIPHost, time.Second, []byte(`{"type":"ip_host"}`))

	ipEntry, ok := c.Get("127.0.0.1", "", GranularityIP)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"ip_only"}`, string(ipEntry.Data))

	hostEntry, ok := c.Get("127.0.0.1", "example.com", GranularityIPHost)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"ip_host"}`, string(hostEntry.Data))
}

func TestRejectionEntry(t *testing.T) {
	c := New()
	c.SetRejection("192.168.1.1", "", GranularityIP, time.Second, "blocked")

	entry, ok := c.Get("192.168.1.1", "", GranularityIP)
	require.True(t, ok)
	assert.True(t, entry.IsRejection)
	assert.Equal(t, "blocked", entry.RejectReason)
}

func TestEntryExpires(t *testing.T) {
	c := New()
	c.Set("10.0.0.1", "", GranularityIP, 10*time.Millisecond, []byte(`{"k":"v"}`))

	_, ok := c.Get("10.0.0.1", "", GranularityIP)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("10.0.0.1", "", GranularityIP)
	assert.False(t, ok)
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	c := New()
	c.Set("10.0.0.1", "", GranularityIP, 10*time.Millisecond, []byte(`{}`))
	c.Set("10.0.0.2", "", GranularityIP, time.Hour, []byte(`{}`))

	time.Sleep(20 * time.Millisecond)

	removed := c.Cleanup()
	assert.Equal(t, 1, removed)

	stats := c.Stats()
	assert.Equal(t, 1, stats.TotalEntries)
}

func TestClearRemovesEntry(t *testing.T) {
	c := New()
	c.Set("10.0.0.1", "", GranularityIP, time.Hour, []byte(`{}`))
	c.Clear("10.0.0.1", "", GranularityIP)

	_, ok := c.Get("10.0.0.1", "", GranularityIP)
	assert.False(t, ok)
}
