package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Galeaf11/sdk/entities"
)

func newSim() *Simulated {
	return NewSimulated(nil, func() time.Time { return time.Unix(1700000000, 0) })
}

func TestSimulatedDealLifecycle(t *testing.T) {
	sim := newSim()
	ctx := context.Background()
	offerID := common.HexToHash("0xaa")
	buyer := common.HexToAddress("0xb0b")
	asset := common.HexToAddress("0xa55e7")

	sim.RegisterPayment(offerID, []entities.PaymentOption{{ID: common.HexToHash("0x01"), Asset: asset, Price: big.NewInt(5)}})

	deal, err := sim.GetDeal(ctx, offerID)
	if err != nil || deal.Exists() {
		t.Fatalf("GetDeal before create = %+v, %v", deal, err)
	}

	payload := entities.OfferPayload{ID: offerID}
	if _, err := sim.CreateDeal(ctx, buyer, payload, common.HexToHash("0x02"), []byte{1}, nil); err != ErrUnknownPayment {
		t.Fatalf("unknown payment err = %v", err)
	}
	if _, err := sim.CreateDeal(ctx, buyer, payload, common.HexToHash("0x01"), nil, nil); err == nil {
		t.Fatalf("unsigned deal created")
	}

	var hashes []common.Hash
	var actions []string
	onTx := func(h common.Hash, action string) {
		hashes = append(hashes, h)
		actions = append(actions, action)
	}

	deal, err = sim.CreateDeal(ctx, buyer, payload, common.HexToHash("0x01"), []byte{1}, onTx)
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if deal.Buyer != buyer || deal.Asset != asset || deal.Price.Int64() != 5 || deal.Created != 1700000000 {
		t.Fatalf("deal = %+v", deal)
	}
	if _, err := sim.CreateDeal(ctx, buyer, payload, common.HexToHash("0x01"), []byte{1}, nil); err != ErrDealExists {
		t.Fatalf("duplicate create err = %v", err)
	}

	if err := sim.ClaimDeal(ctx, offerID, onTx); err != nil {
		t.Fatalf("ClaimDeal: %v", err)
	}
	if err := sim.ClaimDeal(ctx, offerID, onTx); err == nil {
		t.Fatalf("claimed a claimed deal")
	}
	if err := sim.CancelDeal(ctx, offerID, nil, onTx); err != nil {
		t.Fatalf("CancelDeal: %v", err)
	}
	if err := sim.TransferDeal(ctx, offerID, common.HexToAddress("0xca1"), onTx); err == nil {
		t.Fatalf("transferred a cancelled deal")
	}

	if len(actions) != 3 || actions[0] != ActionCreate || actions[1] != ActionClaim || actions[2] != ActionCancel {
		t.Fatalf("actions = %v", actions)
	}
	if hashes[0] == hashes[1] || hashes[1] == hashes[2] {
		t.Fatalf("tx hashes repeat: %v", hashes)
	}

	if err := sim.ClaimDeal(ctx, common.HexToHash("0xff"), nil); err != ErrDealNotFound {
		t.Fatalf("claim unknown err = %v", err)
	}
}

func TestSimulatedSupplierSigner(t *testing.T) {
	sim := newSim()
	id := common.HexToHash("0x5")
	if _, err := sim.SupplierSigner(context.Background(), id); err != ErrUnknownSupplier {
		t.Fatalf("err = %v", err)
	}
	addr := common.HexToAddress("0x51")
	sim.RegisterSupplier(id, addr)
	got, err := sim.SupplierSigner(context.Background(), id)
	if err != nil || got != addr {
		t.Fatalf("SupplierSigner = %s, %v", got.Hex(), err)
	}
}
