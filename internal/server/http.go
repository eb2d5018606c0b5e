package server

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/protocol"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, protocol.Error{Code: code, Message: message})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

// cellID parses the {id} path value. Zero is never a cell.
func (s *Server) cellID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid cell id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cellID(w, r)
	if !ok {
		return
	}
	sum, err := s.engine.Cell(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if sum.Player1 == (common.Address{}) {
		s.writeError(w, http.StatusNotFound, cell.ErrCellNotFound.Code, "cell not found")
		return
	}
	s.writeJSON(w, http.StatusOK, cellView(id, sum))
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cellID(w, r)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(r.PathValue("n"), 10, 8)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, "invalid round number")
		return
	}
	res, err := s.engine.RoundResult(r.Context(), id, uint8(n))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, roundView(id, uint8(n), res))
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cellID(w, r)
	if !ok {
		return
	}
	status, err := s.engine.ContinuationStatus(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusView(id, status))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cellID(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Record(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, cell.ErrCellNotFound.Code, "cell not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(hex.EncodeToString(rec) + "\n"))
}

func (s *Server) handleGetPlayerCell(w http.ResponseWriter, r *http.Request) {
	addr, err := protocol.ParseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	id, err := s.engine.PlayerCell(r.Context(), addr)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.CellIDResult{CellID: id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cells, err := s.engine.CellCount(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	owed, err := s.engine.Owed(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	minStake, err := s.engine.MinStake(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	owner, err := s.engine.Owner(ctx)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.Stats{
		Cells:    cells,
		Owed:     len(owed),
		MinStake: protocol.FormatAmount(minStake),
		Owner:    owner.Hex(),
	})
}
