package cell

import "errors"

// Error is a precondition failure reported by a Cell operation. Each failure
// kind is a distinct value so callers can match with errors.Is.
type Error struct {
	Code string
	msg  string
}

func (e *Error) Error() string {
	return "cell: " + e.msg
}

var (
	ErrNotInitialized       = &Error{Code: "NotInitialized", msg: "engine not initialized"}
	ErrInvalidIdentity      = &Error{Code: "InvalidIdentity", msg: "empty participant identity"}
	ErrStakeTooLow          = &Error{Code: "StakeTooLow", msg: "stake too low"}
	ErrStakeTooHigh         = &Error{Code: "StakeTooHigh", msg: "stake too high"}
	ErrAlreadyInCell        = &Error{Code: "AlreadyInCell", msg: "already in cell"}
	ErrCellNotFound         = &Error{Code: "CellNotFound", msg: "cell not found"}
	ErrCellFull             = &Error{Code: "CellFull", msg: "cell full"}
	ErrWrongStake           = &Error{Code: "WrongStake", msg: "wrong stake"}
	ErrCellIsComplete       = &Error{Code: "CellIsComplete", msg: "cell complete"}
	ErrNeedPlayer2          = &Error{Code: "NeedPlayer2", msg: "need player 2"}
	ErrNotInCell            = &Error{Code: "NotInCell", msg: "not in cell"}
	ErrNoRoundStarted       = &Error{Code: "NoRoundStarted", msg: "no round started"}
	ErrRoundNotReady        = &Error{Code: "RoundNotReady", msg: "round not ready, continuation decision needed"}
	ErrRoundAlreadyFinished = &Error{Code: "RoundAlreadyFinished", msg: "round already finished"}
	ErrAlreadyMoved         = &Error{Code: "AlreadyMoved", msg: "already moved"}
	ErrMaxRoundsReached     = &Error{Code: "MaxRoundsReached", msg: "max rounds reached"}
	ErrVotingClosed         = &Error{Code: "VotingClosed", msg: "round still in progress"}
)

// Code returns the stable wire code for err, or "Internal" when err is not a
// cell precondition failure.
func Code(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "Internal"
}
