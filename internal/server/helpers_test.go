package server

import (
	"context"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/lox/dilemmacell/internal/engine"
	"github.com/lox/dilemmacell/internal/escrow"
	"github.com/lox/dilemmacell/internal/protocol"
	"github.com/lox/dilemmacell/internal/store/memstore"
)

var (
	owner = common.HexToAddress("0x000000000000000000000000000000000000000f")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// testLogger creates a logger that discards output for tests
func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

type testEnv struct {
	server *Server
	engine *engine.Engine
	vault  *escrow.Vault
	http   *httptest.Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := quartz.NewMock(t)
	env := &testEnv{vault: escrow.NewVault()}
	env.vault.Deposit(common.Address{}, uint256.NewInt(1_000_000))

	opts = append([]Option{WithLogger(testLogger()), WithClock(clock), WithEntropy(engine.NewSeededEntropy(1))}, opts...)
	env.server = NewServer(opts...)
	env.engine = engine.New(engine.StoresFrom(memstore.New()),
		engine.WithLogger(testLogger()),
		engine.WithClock(clock),
		engine.WithCustodian(env.vault),
		engine.WithSink(env.server),
	)
	env.server.Attach(env.engine)
	require.NoError(t, env.engine.Initialize(context.Background(), owner, *uint256.NewInt(100)))

	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		_ = env.server.Shutdown(context.Background())
		env.http.Close()
	})
	return env
}

// wsConn is a raw protocol connection for exercising the dispatcher.
type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func (env *testEnv) dial(t *testing.T) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsConn{t: t, conn: conn}
}

// request sends a message and returns the reply carrying its request id,
// skipping any events that arrive first.
func (c *wsConn) request(typ protocol.MessageType, data any) *protocol.Message {
	c.t.Helper()
	c.seq++
	msg, err := protocol.NewMessage(typ, data)
	require.NoError(c.t, err)
	msg.RequestID = "r" + strconv.Itoa(c.seq)
	require.NoError(c.t, c.conn.WriteJSON(msg))

	for {
		var reply protocol.Message
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(c.t, c.conn.ReadJSON(&reply))
		if reply.Type == protocol.TypeEvent {
			continue
		}
		require.Equal(c.t, msg.RequestID, reply.RequestID)
		return &reply
	}
}

func (c *wsConn) hello(addr common.Address) {
	c.t.Helper()
	reply := c.request(protocol.TypeHello, protocol.Hello{Address: addr.Hex()})
	require.Equal(c.t, protocol.TypeOK, reply.Type)
}

// expectOK decodes an ok reply into out.
func (c *wsConn) expectOK(reply *protocol.Message, out any) {
	c.t.Helper()
	if reply.Type != protocol.TypeOK {
		var e protocol.Error
		_ = reply.Decode(&e)
		c.t.Fatalf("expected ok, got %s: %+v", reply.Type, e)
	}
	if out != nil {
		require.NoError(c.t, reply.Decode(out))
	}
}

// expectError returns the error code of a reply.
func (c *wsConn) expectError(reply *protocol.Message) string {
	c.t.Helper()
	require.Equal(c.t, protocol.TypeError, reply.Type)
	var e protocol.Error
	require.NoError(c.t, reply.Decode(&e))
	return e.Code
}
