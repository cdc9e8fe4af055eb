package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/hedgesys/sentinel/pkg/types"
)

// SimFeed is a random-walk margin telemetry source for dry runs. Each
// account starts healthy and drifts with a configurable downward bias so
// threshold and forecast paths actually fire.
type SimFeed struct {
	mu sync.Mutex

	// DriftPercent is the mean per-fetch change of the margin level.
	// Negative values trend the account toward loss-cut.
	DriftPercent float64
	// NoisePercent is the random jitter around the drift.
	NoisePercent float64

	rng      *rand.Rand
	accounts map[string]*simAccount
}

type simAccount struct {
	balance    float64
	usedMargin float64
	level      float64
}

// NewSimFeed creates a feed with a mild downward drift.
func NewSimFeed(seed int64) *SimFeed {
	return &SimFeed{
		DriftPercent: -0.5,
		NoisePercent: 2.0,
		rng:          rand.New(rand.NewSource(seed)),
		accounts:     make(map[string]*simAccount),
	}
}

func (f *SimFeed) FetchMarginInfo(_ context.Context, accountID string) (types.AccountMarginInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	acc, ok := f.accounts[accountID]
	if !ok {
		acc = &simAccount{balance: 10_000, usedMargin: 3_000, level: 320}
		f.accounts[accountID] = acc
	}

	acc.level += f.DriftPercent + (f.rng.Float64()*2-1)*f.NoisePercent
	if acc.level < 5 {
		acc.level = 5
	}

	equity := acc.usedMargin * acc.level / 100
	return types.AccountMarginInfo{
		AccountID:   accountID,
		Balance:     acc.balance,
		Equity:      equity,
		FreeMargin:  equity - acc.usedMargin,
		UsedMargin:  acc.usedMargin,
		MarginLevel: acc.level,
		LastUpdate:  time.Now(),
	}, nil
}
