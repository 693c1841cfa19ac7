package bets

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
)

func TestPlaceBetValidation(t *testing.T) {
	s := NewService(nil, zap.NewNop())
	ctx := context.Background()

	cases := []struct {
		name   string
		wallet string
		target string
		txHash string
		amount float64
		token  string
	}{
		{"missing wallet", "", "champ", "0xabc", 10, models.ErrWalletRequired},
		{"missing target", "0xWALLET_BETTOR_01", "", "0xabc", 10, models.ErrUnknownTargetAgent},
		{"missing tx", "0xWALLET_BETTOR_01", "champ", "", 10, models.ErrInvalidArgs},
		{"zero amount", "0xWALLET_BETTOR_01", "champ", "0xabc", 0, models.ErrInvalidArgs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Place(ctx, tc.wallet, tc.target, tc.txHash, tc.amount)
			ce := models.AsCommandError(err)
			if ce == nil || ce.Token != tc.token {
				t.Fatalf("expected %s, got %v", tc.token, err)
			}
		})
	}
}

func TestPlaceBetSuccess(t *testing.T) {
	s := NewService(nil, zap.NewNop())
	ev, err := s.Place(context.Background(), "0xWALLET_BETTOR_01", "champ", "0xdeadbeef", 25)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ev.TargetAgentID != "champ" || ev.AmountUsd != 25 || ev.TxHash != "0xdeadbeef" {
		t.Errorf("bet event wrong: %+v", ev)
	}
}

func TestDuplicateTxHashInFlight(t *testing.T) {
	s := NewService(nil, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Place(ctx, "0xWALLET_BETTOR_01", "champ", "0xsame", 10); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	_, err := s.Place(ctx, "0xWALLET_BETTOR_02", "champ", "0xsame", 10)
	ce := models.AsCommandError(err)
	if ce == nil || ce.Token != models.ErrDuplicateTxHash {
		t.Fatalf("expected duplicate_txHash_in_flight, got %v", err)
	}

	// settlement clears the marker
	s.Settle("0xsame")
	if _, err := s.Place(ctx, "0xWALLET_BETTOR_03", "champ", "0xsame", 10); err != nil {
		t.Errorf("settled hash should be placeable again: %v", err)
	}
}
