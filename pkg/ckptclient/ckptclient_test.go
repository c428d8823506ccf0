package ckptclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsTimeout(t *testing.T) {
	c := New("127.0.0.1:0", 0)
	assert.Equal(t, 30*time.Second, c.timeout)

	c = New("127.0.0.1:0", 5*time.Second)
	assert.Equal(t, 5*time.Second, c.timeout)
}

func TestDecodeListing(t *testing.T) {
	body := []byte("uid1\tckpt-a\nuid1\tckpt-b\nuid2\tckpt-c\n")
	listing := decodeListing(body)
	assert.ElementsMatch(t, []string{"ckpt-a", "ckpt-b"}, listing["uid1"])
	assert.ElementsMatch(t, []string{"ckpt-c"}, listing["uid2"])
}

func TestDecodeListingEmpty(t *testing.T) {
	assert.Empty(t, decodeListing(nil))
	assert.Empty(t, decodeListing([]byte("")))
}

func TestDecodeListingSkipsMalformedLines(t *testing.T) {
	listing := decodeListing([]byte("no-tab-here\nuid1\tckpt-a\n"))
	assert.Equal(t, map[string][]string{"uid1": {"ckpt-a"}}, listing)
}

func TestPingFailsFastOnUnreachableServer(t *testing.T) {
	c := New("127.0.0.1:1", 200*time.Millisecond)
	err := c.Ping()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ckptclient")
}
