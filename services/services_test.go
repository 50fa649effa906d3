package services

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beamworks/beam/network"
)

const (
	testEchoService uint32 = 1
	testFailService uint32 = 2
	testSlowService uint32 = 3
	testNoteMessage uint32 = 10
)

type echoRequest struct {
	Text string `cbor:"text"`
}

type echoResponse struct {
	Text string `cbor:"text"`
}

type noteMessage struct {
	Seq int `cbor:"seq"`
}

// nullServlet carries no per-client state; tests add slots directly.
type nullServlet struct{}

func (nullServlet) Register(*SlotRegistry)               {}
func (nullServlet) HandleClientAccepted(*ProtocolClient) {}
func (nullServlet) HandleClientClosed(*ProtocolClient)   {}
func (nullServlet) Close()                               {}

type protocolFixture struct {
	conn   *network.LocalServerConnection
	server *ProtocolServer
	client *ProtocolClient
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	conn := network.NewLocalServerConnection()
	server := NewProtocolServer(conn, nullServlet{})
	server.Open()
	channel, err := conn.Connect("test")
	require.NoError(t, err)
	client := NewProtocolClient(channel, &SlotRegistry{})
	f := &protocolFixture{conn: conn, server: server, client: client}
	t.Cleanup(func() {
		f.client.Close()
		f.server.Close()
	})
	return f
}

func TestRequestResponse(t *testing.T) {
	f := newProtocolFixture(t)
	var served atomic.Int32
	AddRequestSlot(f.server.Slots(), testEchoService,
		func(_ *ProtocolClient, req echoRequest) (echoResponse, error) {
			served.Add(1)
			return echoResponse{Text: req.Text}, nil
		})
	f.client.Open()
	resp, err := Call[echoRequest, echoResponse](f.client, testEchoService, echoRequest{Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, int32(1), served.Load())
}

func TestRequestRejected(t *testing.T) {
	f := newProtocolFixture(t)
	AddRequestSlot(f.server.Slots(), testFailService,
		func(_ *ProtocolClient, _ echoRequest) (echoResponse, error) {
			return echoResponse{}, NewServiceRequestError("no such account")
		})
	f.client.Open()
	_, err := Call[echoRequest, echoResponse](f.client, testFailService, echoRequest{})
	require.True(t, IsServiceRequest(err))
	require.Contains(t, err.Error(), "no such account")
}

func TestRequestUnknownService(t *testing.T) {
	f := newProtocolFixture(t)
	f.client.Open()
	_, err := Call[echoRequest, echoResponse](f.client, 999, echoRequest{})
	require.True(t, IsServiceRequest(err))
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	f := newProtocolFixture(t)
	AddRequestSlot(f.server.Slots(), testEchoService,
		func(_ *ProtocolClient, req echoRequest) (echoResponse, error) {
			return echoResponse{Text: req.Text}, nil
		})
	AddRequestSlot(f.server.Slots(), testSlowService,
		func(_ *ProtocolClient, req echoRequest) (echoResponse, error) {
			time.Sleep(30 * time.Millisecond)
			return echoResponse{Text: "slow:" + req.Text}, nil
		})
	f.client.Open()

	slowDone := make(chan string, 1)
	go func() {
		resp, err := Call[echoRequest, echoResponse](f.client, testSlowService, echoRequest{Text: "a"})
		if err != nil {
			slowDone <- err.Error()
			return
		}
		slowDone <- resp.Text
	}()
	resp, err := Call[echoRequest, echoResponse](f.client, testEchoService, echoRequest{Text: "b"})
	require.NoError(t, err)
	require.Equal(t, "b", resp.Text)
	require.Equal(t, "slow:a", <-slowDone)
}

func TestMessagesSingleThreadedInOrder(t *testing.T) {
	f := newProtocolFixture(t)
	received := make(chan int, 16)
	AddMessageSlot(f.server.Slots(), testNoteMessage,
		func(_ *ProtocolClient, m noteMessage) {
			received <- m.Seq
		})
	f.client.Open()
	for i := range 5 {
		require.NoError(t, SendMessage(f.client, testNoteMessage, noteMessage{Seq: i}))
	}
	for i := range 5 {
		select {
		case seq := <-received:
			require.Equal(t, i, seq)
		case <-time.After(time.Second):
			t.Fatal("message never delivered")
		}
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	f := newProtocolFixture(t)
	block := make(chan struct{})
	AddRequestSlot(f.server.Slots(), testSlowService,
		func(_ *ProtocolClient, _ echoRequest) (echoResponse, error) {
			<-block
			return echoResponse{}, nil
		})
	f.client.Open()
	errCh := make(chan error, 1)
	go func() {
		_, err := Call[echoRequest, echoResponse](f.client, testSlowService, echoRequest{})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	f.client.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, network.ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("pending request never failed")
	}
	close(block)
}

func TestHeartbeatPingKeepsLivePeerOpen(t *testing.T) {
	conn := network.NewLocalServerConnection()
	server := NewProtocolServer(conn, nullServlet{})
	server.Open()
	defer server.Close()

	channel, err := conn.Connect("test")
	require.NoError(t, err)
	timer := NewTriggerTimer()
	client := NewProtocolClient(channel, &SlotRegistry{}, WithHeartbeat(timer))
	client.Open()
	defer client.Close()

	// A silent expiry pings; the server pongs, so the client stays
	// open across further expiries.
	for range 3 {
		timer.Trigger()
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, client.CloseReason())
	}
}

func TestHeartbeatClosesDeadPeer(t *testing.T) {
	// The far end of the pair never answers anything.
	channel, _ := network.NewLocalChannelPair("dead-peer")
	timer := NewTriggerTimer()
	client := NewProtocolClient(channel, &SlotRegistry{}, WithHeartbeat(timer))
	client.Open()

	timer.Trigger()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, client.CloseReason())

	// Second silent expiry with the ping unanswered closes the client.
	timer.Trigger()
	time.Sleep(30 * time.Millisecond)
	require.ErrorIs(t, client.CloseReason(), network.ErrNotConnected)
	client.Close()
}

func TestOpenState(t *testing.T) {
	var s OpenState
	require.True(t, s.SetOpening())
	require.False(t, s.SetOpening())
	s.SetOpen()
	require.True(t, s.IsOpen())
	require.False(t, s.SetClosing())
	require.True(t, s.SetClosing())
	s.SetClosed()
	require.False(t, s.IsOpen())
	require.True(t, s.SetOpening())
}
