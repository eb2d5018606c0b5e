package memstore

import (
	"testing"

	"github.com/lox/dilemmacell/internal/store"
	"github.com/lox/dilemmacell/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestLoadCellReturnsCopy(t *testing.T) {
	t.Parallel()
	s := New()
	rec := []byte{1, 2, 3}
	_ = s.SaveCell(t.Context(), 1, rec)
	rec[0] = 9

	got, _ := s.LoadCell(t.Context(), 1)
	got[1] = 9
	again, _ := s.LoadCell(t.Context(), 1)
	if again[0] != 1 || again[1] != 2 {
		t.Errorf("store aliases caller buffers: %v", again)
	}
}
