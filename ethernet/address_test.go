package ethernet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, Address(0xaabbccddeeff), a)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", a.String())

	a, err = ParseAddress("11-22-33-44-55-66")
	require.NoError(t, err)
	assert.Equal(t, Address(0x112233445566), a)

	_, err = ParseAddress("nope")
	assert.Error(t, err)

	_, err = ParseAddress("00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01")
	assert.ErrorContains(t, err, "not a 48-bit link address")
}

func TestAddress_Bytes(t *testing.T) {
	b := make([]byte, 8)
	Address(0x0102030405060708).PutBytes(b)
	// Only the low 48 bits make it onto the wire
	assert.Equal(t, []byte{0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0, 0}, b)
	assert.Equal(t, Address(0x030405060708), AddressFromBytes(b))

	assert.Equal(t, tcpip.LinkAddress("\xaa\xbb\xcc\xdd\xee\xff"), Address(0xaabbccddeeff).LinkAddress())
	assert.True(t, Broadcast.IsBroadcast())
	assert.False(t, Address(0xaabbccddeeff).IsBroadcast())
}
