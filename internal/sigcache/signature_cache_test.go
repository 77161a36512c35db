package sigcache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validSig(suffix string) string {
	return strings.Repeat("a", MinValidSignatureLen) + suffix
}

func TestCache_PutGet_RoundTrip(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Put("sess-1", "let me think", validSig("1"))
	require.Equal(t, validSig("1"), c.Get("sess-1", "let me think"))
}

func TestCache_Get_MissingReturnsEmpty(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	require.Empty(t, c.Get("unknown-session", "text"))
}

func TestCache_Get_DifferentSessionIsolated(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Put("sess-a", "thought", validSig("a"))
	require.Empty(t, c.Get("sess-b", "thought"))
}

func TestCache_Put_RejectsShortSignature(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Put("sess-1", "text", "too-short")
	require.Empty(t, c.Get("sess-1", "text"))
}

func TestCache_Put_RejectsEmptyFields(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Put("", "text", validSig(""))
	c.Put("sess", "", validSig(""))
	c.Put("sess", "text", "")
	require.Empty(t, c.Get("sess", "text"))
}

func TestCache_Get_ExpiresAfterTTL(t *testing.T) {
	c := New(20 * time.Millisecond)
	defer c.Close()

	c.Put("sess-1", "text", validSig("x"))
	require.Equal(t, validSig("x"), c.Get("sess-1", "text"))

	time.Sleep(40 * time.Millisecond)
	require.Empty(t, c.Get("sess-1", "text"))
}

func TestCache_Clear_SingleSession(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Put("sess-1", "text", validSig("1"))
	c.Put("sess-2", "text", validSig("2"))

	c.Clear("sess-1")

	require.Empty(t, c.Get("sess-1", "text"))
	require.Equal(t, validSig("2"), c.Get("sess-2", "text"))
}

func TestCache_Clear_AllSessions(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	c.Put("sess-1", "text", validSig("1"))
	c.Put("sess-2", "text", validSig("2"))

	c.Clear("")

	require.Empty(t, c.Get("sess-1", "text"))
	require.Empty(t, c.Get("sess-2", "text"))
}

func TestCache_Put_EvictsOldestQuarterAtCapacity(t *testing.T) {
	c := New(time.Hour)
	defer c.Close()

	for i := 0; i < MaxEntriesPerSession; i++ {
		c.Put("sess-1", string(rune('a'+(i%26)))+string(rune(i/26)), validSig(""))
		time.Sleep(time.Microsecond)
	}
	// One more insert should trigger oldest-quarter eviction rather than grow unbounded.
	c.Put("sess-1", "overflow-entry", validSig("final"))

	require.Equal(t, validSig("final"), c.Get("sess-1", "overflow-entry"))
}

func TestHasValidSignature(t *testing.T) {
	require.False(t, HasValidSignature(""))
	require.False(t, HasValidSignature("short"))
	require.True(t, HasValidSignature(validSig("")))
}

func TestNew_ZeroTTLUsesDefault(t *testing.T) {
	c := New(0)
	defer c.Close()
	require.Equal(t, DefaultTTL, c.ttl)
}
