package node

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/chain"
	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/messages"
)

//ContractManager watches the chain for deals created on published offers
//and claims them
type ContractManager struct {
	logger    *zap.Logger
	contracts chain.Contracts
	onTx      chain.TxCallback
	now       func() time.Time

	lock sync.Mutex
	//tracked maps offer ids to their expiration time
	tracked map[common.Hash]int64
}

func NewContractManager(logger *zap.Logger, contracts chain.Contracts, onTx chain.TxCallback, now func() time.Time) *ContractManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &ContractManager{
		logger:    logger.Named("claimer"),
		contracts: contracts,
		onTx:      onTx,
		now:       now,
		tracked:   make(map[common.Hash]int64),
	}
}

func (cm *ContractManager) Track(offerID common.Hash, expire int64) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	cm.tracked[offerID] = expire
}

func (cm *ContractManager) Tracking(offerID common.Hash) bool {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	_, ok := cm.tracked[offerID]
	return ok
}

func (cm *ContractManager) Len() int {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	return len(cm.tracked)
}

func (cm *ContractManager) untrack(offerID common.Hash) {
	cm.lock.Lock()
	defer cm.lock.Unlock()
	delete(cm.tracked, offerID)
}

//Check looks up the deal of every tracked offer once. A deal found in status
//Created is claimed, any other existing deal is left to the buyer. Offers
//stop being tracked once their deal is handled or they expire.
func (cm *ContractManager) Check(ctx context.Context) {
	now := cm.now()

	cm.lock.Lock()
	ids := make([]common.Hash, 0, len(cm.tracked))
	for id, expire := range cm.tracked {
		if messages.Expired(expire, now) {
			delete(cm.tracked, id)
			continue
		}
		ids = append(ids, id)
	}
	cm.lock.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		cm.checkOne(ctx, id)
	}
}

func (cm *ContractManager) checkOne(ctx context.Context, offerID common.Hash) {
	logger := cm.logger.With(zap.String("offer", offerID.Hex()))

	deal, err := cm.contracts.GetDeal(ctx, offerID)
	if err != nil {
		logger.Warn("failed getting deal", zap.Error(err))
		return
	}
	if !deal.Exists() {
		return
	}
	if deal.Status != entities.DealCreated {
		logger.Debug("deal already handled", zap.Stringer("status", deal.Status))
		cm.untrack(offerID)
		return
	}

	err = cm.contracts.ClaimDeal(ctx, offerID, func(txHash common.Hash, action string) {
		logger.Debug("deal tx submitted", zap.String("action", action), zap.String("tx", txHash.Hex()))
		if cm.onTx != nil {
			cm.onTx(txHash, action)
		}
	})
	if err != nil {
		logger.Warn("failed claiming deal", zap.Error(err))
		return
	}

	logger.Info("deal claimed", zap.String("buyer", deal.Buyer.Hex()))
	cm.untrack(offerID)
}

//Start checks every interval until ctx is done
func (cm *ContractManager) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cm.Check(ctx)
			}
		}
	}()
}
