// Package cell implements the Cell: a two-party, multi-round prisoner's
// dilemma with escrowed stakes.
//
// The main type is Cell, which holds the full multi-round history of one
// game. Every mutation is a pure method on *Cell that validates first and
// mutates second, so a failed call never leaves a partially updated value.
//
// # Lifecycle
//
//	c := cell.New(creator, stake, entropy) // AwaitingPlayer2
//	_ = c.Join(joiner, stake)              // RoundOpen(1)
//	c.SubmitMove(creator, cell.Cooperate)
//	out, _ := c.SubmitMove(joiner, cell.Defect) // RoundResolved(1), or Complete on the final round
//	c.SubmitDecision(creator, true)
//	out, _ = c.SubmitDecision(joiner, true) // RoundOpen(2)
//
// A round resolves the instant its second move arrives and a continuation
// vote resolves the instant the second decision arrives. Neither is ever
// triggered by a separate call.
//
// # Architecture
//
// Cell does not know about storage, custody or bindings. The engine package
// loads the encoded record, calls one method here, inspects the returned
// Outcome and performs the side effects (settlement, binding release,
// events).
package cell
