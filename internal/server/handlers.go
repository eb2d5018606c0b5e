package server

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lox/dilemmacell/internal/auth"
	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/protocol"
)

// Error codes that are not cell precondition failures.
const (
	codeBadRequest       = "BadRequest"
	codeNotAuthenticated = "NotAuthenticated"
	codeUnknownType      = "UnknownMessageType"
	codeInternal         = "Internal"
	codeInvalidToken     = "InvalidToken"
	codeAuthUnavailable  = "AuthUnavailable"
)

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *protocol.Message) {
	c.logger.Debug("Received message", "type", msg.Type, "address", c.Address().Hex())

	var (
		result any
		err    error
	)
	switch msg.Type {
	case protocol.TypeHello:
		result, err = c.handleHello(msg)
	case protocol.TypeCreateCell:
		result, err = c.handleCreateCell(msg)
	case protocol.TypeJoinCell:
		result, err = c.handleJoinCell(msg)
	case protocol.TypeSubmitMove:
		result, err = c.handleSubmitMove(msg)
	case protocol.TypeSubmitDecision:
		result, err = c.handleSubmitDecision(msg)
	case protocol.TypeGetCell:
		result, err = c.handleGetCell(msg)
	case protocol.TypeGetRound:
		result, err = c.handleGetRound(msg)
	case protocol.TypeGetStatus:
		result, err = c.handleGetStatus(msg)
	case protocol.TypeGetPlayerCell:
		result, err = c.handleGetPlayerCell(msg)
	case protocol.TypeGetPairCell:
		result, err = c.handleGetPairCell(msg)
	case protocol.TypeSubscribe:
		result, err = c.handleSubscribe(msg)
	default:
		err = requestError{codeUnknownType, "Unknown message type: " + msg.Type.String()}
	}

	if err != nil {
		c.sendError(msg.RequestID, err)
		return
	}
	c.reply(protocol.TypeOK, msg.RequestID, result)
}

// requestError is a failure reported to the client verbatim.
type requestError struct {
	code    string
	message string
}

func (e requestError) Error() string { return e.message }

func badRequest(err error) error {
	return requestError{codeBadRequest, err.Error()}
}

func (c *Connection) reply(t protocol.MessageType, requestID string, data any) {
	msg, err := protocol.NewMessage(t, data)
	if err != nil {
		c.logger.Error("Failed to create message", "error", err)
		return
	}
	msg.RequestID = requestID
	msg.Timestamp = c.server.clock.Now().UTC()
	_ = c.SendMessage(msg) // Ignore send errors
}

// sendError maps err to a wire code. Cell failures keep their code; anything
// unexpected is logged and reported as Internal without detail.
func (c *Connection) sendError(requestID string, err error) {
	data := protocol.Error{Code: cell.Code(err), Message: err.Error()}
	var re requestError
	switch {
	case errors.As(err, &re):
		data = protocol.Error{Code: re.code, Message: re.message}
	case data.Code == codeInternal:
		c.logger.Error("Request failed", "error", err, "address", c.Address().Hex())
		data.Message = "internal error"
	}
	c.reply(protocol.TypeError, requestID, data)
}

// caller returns the declared identity or fails if hello has not been sent.
func (c *Connection) caller() (common.Address, error) {
	addr := c.Address()
	if addr == (common.Address{}) {
		return addr, requestError{codeNotAuthenticated, "Must send hello first"}
	}
	return addr, nil
}

func (c *Connection) handleHello(msg *protocol.Message) (any, error) {
	var data protocol.Hello
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	addr, err := protocol.ParseAddress(data.Address)
	if err != nil {
		return nil, badRequest(err)
	}
	if addr == (common.Address{}) {
		return nil, cell.ErrInvalidIdentity
	}
	if v := c.server.auth; v != nil {
		if err := auth.Check(c.ctx, v, data.Token, addr); err != nil {
			c.logger.Warn("Hello rejected", "address", addr.Hex(), "error", err)
			if errors.Is(err, auth.ErrInvalidToken) {
				return nil, requestError{codeInvalidToken, "Invalid token"}
			}
			return nil, requestError{codeAuthUnavailable, "Authentication unavailable"}
		}
	}
	c.SetAddress(addr)
	c.logger.Info("Hello", "address", addr.Hex())
	return protocol.HelloResult{Address: addr.Hex()}, nil
}

func (c *Connection) handleCreateCell(msg *protocol.Message) (any, error) {
	addr, err := c.caller()
	if err != nil {
		return nil, err
	}
	var data protocol.CreateCell
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	value, err := protocol.ParseAmount(data.Value)
	if err != nil {
		return nil, badRequest(err)
	}
	entropy := c.server.entropy.Entropy(addr)
	if data.Entropy != nil {
		entropy = *data.Entropy
	}

	id, err := c.server.engine.CreateCell(c.ctx, addr, value, entropy)
	if err != nil {
		return nil, err
	}
	c.Subscribe(id)
	return protocol.CellIDResult{CellID: id}, nil
}

func (c *Connection) handleJoinCell(msg *protocol.Message) (any, error) {
	addr, err := c.caller()
	if err != nil {
		return nil, err
	}
	var data protocol.JoinCell
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	value, err := protocol.ParseAmount(data.Value)
	if err != nil {
		return nil, badRequest(err)
	}
	c.Subscribe(data.CellID)
	if err := c.server.engine.JoinCell(c.ctx, data.CellID, addr, value); err != nil {
		return nil, err
	}
	return protocol.CellRef{CellID: data.CellID}, nil
}

func (c *Connection) handleSubmitMove(msg *protocol.Message) (any, error) {
	addr, err := c.caller()
	if err != nil {
		return nil, err
	}
	var data protocol.SubmitMove
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	out, err := c.server.engine.SubmitMove(c.ctx, data.CellID, addr, data.Move)
	if err != nil {
		return nil, err
	}
	return outcomeView(out), nil
}

func (c *Connection) handleSubmitDecision(msg *protocol.Message) (any, error) {
	addr, err := c.caller()
	if err != nil {
		return nil, err
	}
	var data protocol.SubmitDecision
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	out, err := c.server.engine.SubmitContinuationDecision(c.ctx, data.CellID, addr, data.Continue)
	if err != nil {
		return nil, err
	}
	return outcomeView(out), nil
}

func (c *Connection) handleGetCell(msg *protocol.Message) (any, error) {
	var data protocol.CellRef
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	sum, err := c.server.engine.Cell(c.ctx, data.CellID)
	if err != nil {
		return nil, err
	}
	return cellView(data.CellID, sum), nil
}

func (c *Connection) handleGetRound(msg *protocol.Message) (any, error) {
	var data protocol.GetRound
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	res, err := c.server.engine.RoundResult(c.ctx, data.CellID, data.Round)
	if err != nil {
		return nil, err
	}
	return roundView(data.CellID, data.Round, res), nil
}

func (c *Connection) handleGetStatus(msg *protocol.Message) (any, error) {
	var data protocol.CellRef
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	status, err := c.server.engine.ContinuationStatus(c.ctx, data.CellID)
	if err != nil {
		return nil, err
	}
	return statusView(data.CellID, status), nil
}

func (c *Connection) handleGetPlayerCell(msg *protocol.Message) (any, error) {
	var data protocol.PlayerRef
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	addr, err := protocol.ParseAddress(data.Address)
	if err != nil {
		return nil, badRequest(err)
	}
	id, err := c.server.engine.PlayerCell(c.ctx, addr)
	if err != nil {
		return nil, err
	}
	return protocol.CellIDResult{CellID: id}, nil
}

func (c *Connection) handleGetPairCell(msg *protocol.Message) (any, error) {
	var data protocol.PairRef
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	a, err := protocol.ParseAddress(data.A)
	if err != nil {
		return nil, badRequest(err)
	}
	b, err := protocol.ParseAddress(data.B)
	if err != nil {
		return nil, badRequest(err)
	}
	id, err := c.server.engine.PlayersCell(c.ctx, a, b)
	if err != nil {
		return nil, err
	}
	return protocol.CellIDResult{CellID: id}, nil
}

func (c *Connection) handleSubscribe(msg *protocol.Message) (any, error) {
	var data protocol.CellRef
	if err := msg.Decode(&data); err != nil {
		return nil, badRequest(err)
	}
	c.Subscribe(data.CellID)
	return protocol.CellRef{CellID: data.CellID}, nil
}
