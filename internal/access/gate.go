package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/carelink/backend/internal/engagement"
	"go.uber.org/zap"
)

// ErrDenied is returned whenever the viewer may not see the guarded data.
// Absence of a pair (not yet requested, or a write that has not landed)
// denies as well: the gate fails closed.
var ErrDenied = errors.New("access: denied")

var noOpLogger = zap.NewNop()

// PairSource is the slice of the coordinator the gate depends on: direct
// projection lookup plus the ledger-backed rebuild used as self-heal.
type PairSource interface {
	Pair(ctx context.Context, pairKey string) (engagement.Pair, error)
	Rebuild(ctx context.Context, pairKey string) (engagement.Pair, error)
}

// GateConfig describes the dependencies of the access gate.
type GateConfig struct {
	Pairs  PairSource
	Logger *zap.Logger
}

// Gate authorizes cross-party reads: profile detail, history, and the chat
// channel all require a pair the viewer belongs to.
type Gate struct {
	pairs  PairSource
	logger *zap.Logger
}

// NewGate constructs the access gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Pairs == nil {
		return nil, fmt.Errorf("access: pair source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Gate{pairs: cfg.Pairs, logger: logger}, nil
}

// Authorize returns the pair backing the grant, or ErrDenied. When the
// projection row is missing it attempts a ledger rebuild before denying, so
// a lost pair write self-heals on first read instead of locking both
// parties out until manual repair.
func (g *Gate) Authorize(ctx context.Context, viewerID, pairKey string) (engagement.Pair, error) {
	if viewerID == "" || pairKey == "" {
		return engagement.Pair{}, ErrDenied
	}

	pair, err := g.pairs.Pair(ctx, pairKey)
	if err != nil {
		if !errors.Is(err, engagement.ErrNotFound) {
			return engagement.Pair{}, err
		}
		rebuilt, rebuildErr := g.pairs.Rebuild(ctx, pairKey)
		if rebuildErr != nil {
			if errors.Is(rebuildErr, engagement.ErrNotFound) || errors.Is(rebuildErr, engagement.ErrValidation) {
				return engagement.Pair{}, fmt.Errorf("%w: no pair for %s", ErrDenied, pairKey)
			}
			return engagement.Pair{}, rebuildErr
		}
		g.logger.Info("access gate rebuilt missing pair", zap.String("pair_key", pairKey))
		pair = rebuilt
	}

	if !pair.HasParty(viewerID) {
		return engagement.Pair{}, fmt.Errorf("%w: %s is not a party of %s", ErrDenied, viewerID, pairKey)
	}
	return pair, nil
}

// CanAccess is the boolean form of Authorize.
func (g *Gate) CanAccess(ctx context.Context, viewerID, pairKey string) (bool, error) {
	_, err := g.Authorize(ctx, viewerID, pairKey)
	if errors.Is(err, ErrDenied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
