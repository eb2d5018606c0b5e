// Package client is a typed WebSocket client for the cell server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/protocol"
)

// ErrClosed is returned by calls made after the connection has gone away.
var ErrClosed = errors.New("client: connection closed")

// Error is a failure reported by the server. errors.Is matches it against
// the cell package sentinels by code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	var ce *cell.Error
	return errors.As(target, &ce) && ce.Code == e.Code
}

// Client represents a WebSocket connection acting as one identity.
type Client struct {
	conn    *websocket.Conn
	logger  *log.Logger
	address common.Address
	token   string

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	err     error

	events chan protocol.Event
	done   chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger.WithPrefix("client")
	}
}

// WithToken sends token in hello for servers that validate identities.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// Dial connects to serverURL and declares addr as the caller identity.
// http and https URLs are rewritten to ws and wss, and a missing path
// becomes /ws.
func Dial(ctx context.Context, serverURL string, addr common.Address, opts ...Option) (*Client, error) {
	u, err := wsURL(serverURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:  log.NewWithOptions(io.Discard, log.Options{}),
		address: addr,
		pending: make(map[string]chan *protocol.Message),
		events:  make(chan protocol.Event, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug("Connecting to server", "url", u)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("client: failed to connect: %w", err)
	}
	c.conn = conn
	go c.readMessages()

	if err := c.call(ctx, protocol.TypeHello, protocol.Hello{Address: addr.Hex(), Token: c.token}, nil); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Address returns the identity this client acts as.
func (c *Client) Address() common.Address {
	return c.address
}

// Events delivers events for subscribed cells. Events are dropped if the
// channel is not drained.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readMessages() {
	defer close(c.done)
	defer close(c.events)

	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			c.fail(err)
			return
		}

		if msg.Type == protocol.TypeEvent {
			var ev protocol.Event
			if err := msg.Decode(&ev); err != nil {
				c.logger.Warn("Malformed event", "error", err)
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.logger.Debug("Dropping event", "kind", ev.Kind, "cell", ev.CellID)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Unsolicited message", "type", msg.Type, "requestId", msg.RequestID)
			continue
		}
		ch <- &msg
	}
}

// fail records the terminal error and releases every pending call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call sends a request and decodes the ok payload into out, which may be nil.
func (c *Client) call(ctx context.Context, t protocol.MessageType, data, out any) error {
	msg, err := protocol.NewMessage(t, data)
	if err != nil {
		return err
	}
	msg.RequestID = strconv.FormatUint(c.seq.Add(1), 10)

	reply := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(msg.RequestID)
		return fmt.Errorf("client: send %s: %w", t, err)
	}

	select {
	case <-ctx.Done():
		c.forget(msg.RequestID)
		return ctx.Err()
	case resp, ok := <-reply:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.err
		}
		return decodeReply(resp, out)
	}
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func decodeReply(resp *protocol.Message, out any) error {
	switch resp.Type {
	case protocol.TypeError:
		var e protocol.Error
		if err := resp.Decode(&e); err != nil {
			return fmt.Errorf("client: malformed error reply: %w", err)
		}
		return &Error{Code: e.Code, Message: e.Message}
	case protocol.TypeOK:
		if out == nil {
			return nil
		}
		if err := resp.Decode(out); err != nil {
			return fmt.Errorf("client: malformed reply: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("client: unexpected reply type %q", resp.Type)
	}
}

// CreateCell opens a cell staking value. A nil entropy lets the server pick.
func (c *Client) CreateCell(ctx context.Context, value uint256.Int, entropy *uint64) (uint64, error) {
	var res protocol.CellIDResult
	err := c.call(ctx, protocol.TypeCreateCell, protocol.CreateCell{Value: protocol.FormatAmount(value), Entropy: entropy}, &res)
	return res.CellID, err
}

// JoinCell takes the second seat of cell id.
func (c *Client) JoinCell(ctx context.Context, id uint64, value uint256.Int) error {
	return c.call(ctx, protocol.TypeJoinCell, protocol.JoinCell{CellID: id, Value: protocol.FormatAmount(value)}, nil)
}

// SubmitMove plays move in the open round of cell id.
func (c *Client) SubmitMove(ctx context.Context, id uint64, move cell.Move) (protocol.Outcome, error) {
	var res protocol.Outcome
	err := c.call(ctx, protocol.TypeSubmitMove, protocol.SubmitMove{CellID: id, Move: uint8(move)}, &res)
	return res, err
}

// SubmitDecision votes on whether cell id plays another round.
func (c *Client) SubmitDecision(ctx context.Context, id uint64, wantsContinue bool) (protocol.Outcome, error) {
	var res protocol.Outcome
	err := c.call(ctx, protocol.TypeSubmitDecision, protocol.SubmitDecision{CellID: id, Continue: wantsContinue}, &res)
	return res, err
}

// Cell fetches the header of cell id.
func (c *Client) Cell(ctx context.Context, id uint64) (protocol.CellView, error) {
	var res protocol.CellView
	err := c.call(ctx, protocol.TypeGetCell, protocol.CellRef{CellID: id}, &res)
	return res, err
}

// Status fetches the continuation vote of cell id.
func (c *Client) Status(ctx context.Context, id uint64) (protocol.StatusView, error) {
	var res protocol.StatusView
	err := c.call(ctx, protocol.TypeGetStatus, protocol.CellRef{CellID: id}, &res)
	return res, err
}

// Round fetches round n of cell id.
func (c *Client) Round(ctx context.Context, id uint64, n uint8) (protocol.RoundView, error) {
	var res protocol.RoundView
	err := c.call(ctx, protocol.TypeGetRound, protocol.GetRound{CellID: id, Round: n}, &res)
	return res, err
}

// PlayerCell returns the open cell addr is bound to, or 0.
func (c *Client) PlayerCell(ctx context.Context, addr common.Address) (uint64, error) {
	var res protocol.CellIDResult
	err := c.call(ctx, protocol.TypeGetPlayerCell, protocol.PlayerRef{Address: addr.Hex()}, &res)
	return res.CellID, err
}

// PairCell returns the latest cell a and b played together, or 0.
func (c *Client) PairCell(ctx context.Context, a, b common.Address) (uint64, error) {
	var res protocol.CellIDResult
	err := c.call(ctx, protocol.TypeGetPairCell, protocol.PairRef{A: a.Hex(), B: b.Hex()}, &res)
	return res.CellID, err
}

// Subscribe asks for events of cell id.
func (c *Client) Subscribe(ctx context.Context, id uint64) error {
	return c.call(ctx, protocol.TypeSubscribe, protocol.CellRef{CellID: id}, nil)
}
