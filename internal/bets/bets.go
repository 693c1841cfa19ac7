// Package bets is the write-through store for spectator bets. The arena does
// not verify on-chain transfers itself; it records the signed txn identifier
// and rejects a hash that is already in flight.
package bets

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/registry"
)

const inFlightTTL = 2 * time.Minute

// PgExecutor is the slice of pgxpool.Pool the service needs.
type PgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Service validates and records bets. A nil executor degrades to in-memory
// dedup only, so development runs work without Postgres.
type Service struct {
	mu       sync.Mutex
	inFlight map[string]int64 // txHash -> expiry unix ms
	pg       PgExecutor
	logger   *zap.SugaredLogger
}

func NewService(pg PgExecutor, logger *zap.Logger) *Service {
	return &Service{
		inFlight: make(map[string]int64),
		pg:       pg,
		logger:   logger.Sugar(),
	}
}

// Place validates and records one bet on a target agent. Returns a structured
// error for the commandResult envelope.
func (s *Service) Place(ctx context.Context, wallet, targetAgentID, txHash string, amountUsd float64) (*models.BetEvent, error) {
	if err := registry.ValidateWallet(wallet); err != nil {
		return nil, err
	}
	if targetAgentID == "" {
		return nil, models.NewCommandError(models.ErrUnknownTargetAgent)
	}
	if txHash == "" || amountUsd <= 0 {
		return nil, models.NewCommandError(models.ErrInvalidArgs).WithHint("txHash and a positive amount are required")
	}

	now := time.Now().UnixMilli()
	s.mu.Lock()
	for h, exp := range s.inFlight {
		if exp <= now {
			delete(s.inFlight, h)
		}
	}
	if _, dup := s.inFlight[txHash]; dup {
		s.mu.Unlock()
		return nil, models.NewCommandError(models.ErrDuplicateTxHash)
	}
	s.inFlight[txHash] = now + inFlightTTL.Milliseconds()
	s.mu.Unlock()

	if s.pg != nil {
		_, err := s.pg.Exec(ctx, `
			INSERT INTO bets (tx_hash, wallet, target_agent_id, amount_usd, placed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tx_hash) DO NOTHING
		`, txHash, wallet, targetAgentID, amountUsd, time.UnixMilli(now))
		if err != nil {
			s.logger.Errorw("Bet insert failed", "txHash", txHash, "error", err)
			// the in-flight marker stays so a retry storm cannot double-book
			return nil, models.AsCommandError(err)
		}
	}

	return &models.BetEvent{
		Wallet:        wallet,
		TargetAgentID: targetAgentID,
		AmountUsd:     amountUsd,
		TxHash:        txHash,
	}, nil
}

// Settle clears the in-flight marker once the external chain verifier
// confirms or rejects the transfer.
func (s *Service) Settle(txHash string) {
	s.mu.Lock()
	delete(s.inFlight, txHash)
	s.mu.Unlock()
}
