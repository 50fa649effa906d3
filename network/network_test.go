package network

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/beamworks/beam/routines"
)

func TestParseIpAddress(t *testing.T) {
	addr, err := ParseIpAddress("127.0.0.1:20692")
	require.NoError(t, err)
	require.Equal(t, IpAddress{Host: "127.0.0.1", Port: 20692}, addr)
	require.Equal(t, "127.0.0.1:20692", addr.String())

	_, err = ParseIpAddress("no-port")
	require.Error(t, err)
	_, err = ParseIpAddress("host:99999")
	require.Error(t, err)
}

func TestIpAddressListRoundTrip(t *testing.T) {
	text := "a:1,b:2"
	list, err := ParseIpAddressList(text)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, text, FormatIpAddressList(list))
}

func TestLocalChannelPair(t *testing.T) {
	a, b := NewLocalChannelPair("test")
	require.NoError(t, a.Write([]byte("hello")))
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestLocalChannelPartialRead(t *testing.T) {
	a, b := NewLocalChannelPair("test")
	require.NoError(t, a.Write([]byte("abcdef")))
	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf[:n]))
	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ef", string(buf[:n]))
}

func TestLocalChannelCloseBreaksReader(t *testing.T) {
	a, b := NewLocalChannelPair("test")
	errCh := make(chan error, 1)
	id := routines.Spawn(func() {
		_, err := b.Read(make([]byte, 1))
		errCh <- err
	})
	a.Close()
	id.Wait()
	require.ErrorIs(t, <-errCh, ErrEndOfFile)
	require.ErrorIs(t, a.Write([]byte("x")), ErrNotConnected)
}

func TestLocalServerConnection(t *testing.T) {
	server := NewLocalServerConnection()
	client, err := server.Connect("client")
	require.NoError(t, err)
	serverSide, err := server.Accept()
	require.NoError(t, err)

	require.NoError(t, client.Write([]byte("ping")))
	buf := make([]byte, 8)
	n, err := serverSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, server.Close())
	_, err = server.Accept()
	require.ErrorIs(t, err, ErrEndOfFile)
}
