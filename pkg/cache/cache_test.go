package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourceKey(t *testing.T) {
	key := ResourceKey("https://cdn.example.com/screenshot-123.png")
	require.Len(t, key, ResourceKeyLen)
	require.Equal(t, key, ResourceKey("https://cdn.example.com/screenshot-123.png"))
	require.NotEqual(t, key, ResourceKey("https://cdn.example.com/screenshot-124.png"))
}

func TestResourceKey_LongInputStaysFixedLength(t *testing.T) {
	long := make([]byte, 1<<16)
	for i := range long {
		long[i] = byte(i)
	}
	require.Len(t, ResourceKey(string(long)), ResourceKeyLen)
}

func TestSessionKeyString(t *testing.T) {
	key := SessionKey{SessionID: "conv-42", Scene: "first_date"}
	require.Equal(t, "conv-42:first_date", key.String())
}
