package proposals

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/findermarket/ledger-core/internal/app/domain/contract"
	domain "github.com/findermarket/ledger-core/internal/app/domain/ledger"
	settingsdomain "github.com/findermarket/ledger-core/internal/app/domain/settings"
	ledgersvc "github.com/findermarket/ledger-core/internal/app/services/ledger"
	settingssvc "github.com/findermarket/ledger-core/internal/app/services/settings"
	"github.com/findermarket/ledger-core/internal/app/storage/memory"
)

type fixture struct {
	svc    *Service
	ledger *ledgersvc.Service
	store  *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	ledger := ledgersvc.New(store, nil)
	settings := settingssvc.New(store, nil)

	_, err := settings.Create(context.Background(), settingsdomain.Snapshot{
		ProposalTokenCost:     3,
		FindertokenPrice:      100,
		PlatformFeePct:        10,
		ClientChargePct:       2.5,
		FinderChargePct:       5,
		HighBudgetThreshold:   500000,
		HighBudgetTokenCost:   5,
		MonthlyTokenAllotment: 10,
	})
	if err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	return &fixture{
		svc:    New(store, ledger, settings, nil),
		ledger: ledger,
		store:  store,
	}
}

func (f *fixture) grantTokens(t *testing.T, kind domain.OwnerKind, owner string, amount int64) {
	t.Helper()
	acct, err := f.ledger.EnsureAccount(context.Background(), kind, owner, domain.AssetToken)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	_, _, err = f.ledger.Post(context.Background(), domain.Transaction{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Amount:    amount,
		Kind:      domain.KindGrant,
	})
	if err != nil {
		t.Fatalf("grant tokens: %v", err)
	}
}

func (f *fixture) tokenBalance(t *testing.T, kind domain.OwnerKind, owner string) int64 {
	t.Helper()
	balance, err := f.ledger.BalanceOf(context.Background(), domain.AccountID(kind, owner, domain.AssetToken))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func TestCanSubmit(t *testing.T) {
	f := newFixture(t)

	ok, err := f.svc.CanSubmit(context.Background(), "f1")
	if err != nil {
		t.Fatalf("can submit: %v", err)
	}
	if ok {
		t.Fatal("empty wallet allowed to submit")
	}

	f.grantTokens(t, domain.OwnerFinder, "f1", 3)
	ok, err = f.svc.CanSubmit(context.Background(), "f1")
	if err != nil {
		t.Fatalf("can submit: %v", err)
	}
	if !ok {
		t.Fatal("funded wallet blocked from submitting")
	}
}

func TestSubmitDebitsAndCreates(t *testing.T) {
	f := newFixture(t)
	f.grantTokens(t, domain.OwnerFinder, "f1", 10)

	p, replayed, err := f.svc.Submit(context.Background(), "op-1", "find-1", "f1", 50000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if replayed {
		t.Fatal("first submit reported as replay")
	}
	if p.Status != contract.ProposalPending {
		t.Fatalf("status = %s, want pending", p.Status)
	}
	if got := f.tokenBalance(t, domain.OwnerFinder, "f1"); got != 7 {
		t.Fatalf("token balance = %d, want 7", got)
	}
}

func TestSubmitInsufficientTokensLeavesNoProposal(t *testing.T) {
	f := newFixture(t)
	f.grantTokens(t, domain.OwnerFinder, "f1", 2) // cost is 3

	_, _, err := f.svc.Submit(context.Background(), "op-1", "find-1", "f1", 50000)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	list, err := f.svc.ListForFind(context.Background(), "find-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("failed submit created %d proposals", len(list))
	}
	if got := f.tokenBalance(t, domain.OwnerFinder, "f1"); got != 2 {
		t.Fatalf("token balance = %d, want 2", got)
	}
}

func TestSubmitReplaySameOperationID(t *testing.T) {
	f := newFixture(t)
	f.grantTokens(t, domain.OwnerFinder, "f1", 10)

	first, _, err := f.svc.Submit(context.Background(), "op-1", "find-1", "f1", 50000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, replayed, err := f.svc.Submit(context.Background(), "op-1", "find-1", "f1", 50000)
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if !replayed {
		t.Fatal("replay not detected")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different proposal: %s vs %s", second.ID, first.ID)
	}
	if got := f.tokenBalance(t, domain.OwnerFinder, "f1"); got != 7 {
		t.Fatalf("token balance = %d, want 7 (single debit)", got)
	}
}

func TestGateFindPosting(t *testing.T) {
	f := newFixture(t)
	f.grantTokens(t, domain.OwnerClient, "c1", 10)

	// Below the threshold: free.
	if err := f.svc.GateFindPosting(context.Background(), "op-low", "c1", 499999); err != nil {
		t.Fatalf("low-budget gate: %v", err)
	}
	if got := f.tokenBalance(t, domain.OwnerClient, "c1"); got != 10 {
		t.Fatalf("low-budget gate debited: balance %d", got)
	}

	// At the threshold: debits the high-budget cost.
	if err := f.svc.GateFindPosting(context.Background(), "op-high", "c1", 500000); err != nil {
		t.Fatalf("high-budget gate: %v", err)
	}
	if got := f.tokenBalance(t, domain.OwnerClient, "c1"); got != 5 {
		t.Fatalf("balance = %d, want 5", got)
	}

	// Broke client is rejected.
	if err := f.svc.GateFindPosting(context.Background(), "op-broke", "c2", 600000); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestAcceptRejectsOtherPending(t *testing.T) {
	f := newFixture(t)
	f.grantTokens(t, domain.OwnerFinder, "f1", 10)
	f.grantTokens(t, domain.OwnerFinder, "f2", 10)
	f.grantTokens(t, domain.OwnerFinder, "f3", 10)

	a, _, _ := f.svc.Submit(context.Background(), "op-a", "find-1", "f1", 1000)
	b, _, _ := f.svc.Submit(context.Background(), "op-b", "find-1", "f2", 1100)
	c, _, _ := f.svc.Submit(context.Background(), "op-c", "find-2", "f3", 1200)

	winner, rejected, err := f.svc.Accept(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if winner.Status != contract.ProposalAccepted {
		t.Fatalf("winner status = %s", winner.Status)
	}
	if len(rejected) != 1 || rejected[0].ID != b.ID {
		t.Fatalf("rejected = %+v, want just %s", rejected, b.ID)
	}

	// The other find is untouched.
	other, _ := f.svc.Get(context.Background(), c.ID)
	if other.Status != contract.ProposalPending {
		t.Fatalf("unrelated proposal status = %s", other.Status)
	}

	// Accepting again, or accepting the loser, fails.
	if _, _, err := f.svc.Accept(context.Background(), a.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("double accept err = %v", err)
	}
	if _, _, err := f.svc.Accept(context.Background(), b.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("accept rejected err = %v", err)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i, finder := range []string{"f1", "f2", "f3", "f4", "f5"} {
		f.grantTokens(t, domain.OwnerFinder, finder, 10)
		p, _, err := f.svc.Submit(context.Background(), uuid.NewString(), "find-1", finder, int64(1000+i))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, p.ID)
	}

	var wg sync.WaitGroup
	accepted := make(chan string, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if winner, _, err := f.svc.Accept(context.Background(), id); err == nil {
				accepted <- winner.ID
			}
		}(id)
	}
	wg.Wait()
	close(accepted)

	var winners []string
	for id := range accepted {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}

	list, _ := f.svc.ListForFind(context.Background(), "find-1")
	for _, p := range list {
		switch {
		case p.ID == winners[0] && p.Status != contract.ProposalAccepted:
			t.Fatalf("winner %s status = %s", p.ID, p.Status)
		case p.ID != winners[0] && p.Status != contract.ProposalRejected:
			t.Fatalf("loser %s status = %s", p.ID, p.Status)
		}
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	f.grantTokens(t, domain.OwnerFinder, "f1", 10)

	p, _, err := f.svc.Submit(context.Background(), "op-1", "find-1", "f1", 1000)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Only the owning finder may withdraw.
	if _, err := f.svc.Withdraw(context.Background(), p.ID, "f2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign withdraw err = %v", err)
	}

	withdrawn, err := f.svc.Withdraw(context.Background(), p.ID, "f1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != contract.ProposalWithdrawn {
		t.Fatalf("status = %s", withdrawn.Status)
	}

	// The submission debit stays.
	if got := f.tokenBalance(t, domain.OwnerFinder, "f1"); got != 7 {
		t.Fatalf("token balance = %d, want 7", got)
	}
}
