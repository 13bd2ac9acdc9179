package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findermarket/ledger-core/internal/app/domain/ledger"
	"github.com/findermarket/ledger-core/internal/app/domain/withdrawal"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestPostOperationCreditsAccount(t *testing.T) {
	store, mock := newMockStore(t)
	accountID := ledger.AccountID(ledger.OwnerFinder, "finder-1", ledger.AssetCash)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WithArgs("op-1", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, held, allow_negative, frozen")).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "held", "allow_negative", "frozen"}).
			AddRow(1000, 0, false, false))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET balance = balance +")).
		WithArgs(accountID, int64(500), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	op, replayed, err := store.PostOperation(context.Background(), ledger.Operation{
		ID: "op-1",
		Entries: []ledger.Transaction{{
			ID:        "tx-1",
			AccountID: accountID,
			Amount:    500,
			Kind:      ledger.KindEscrowRelease,
		}},
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	require.Len(t, op.Entries, 1)
	assert.Equal(t, int64(1500), op.Entries[0].BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostOperationReplayReturnsStoredEntries(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_id FROM operations")).
		WithArgs("op-1").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions")).
		WithArgs("op-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "amount", "kind", "balance_after",
			"contract_id", "proposal_id", "external_ref", "memo", "created_at",
		}).AddRow("tx-1", "finder:finder-1:cash", 500, "escrow_release", 1500, nil, nil, nil, nil, time.Now().UTC()))
	mock.ExpectCommit()

	op, replayed, err := store.PostOperation(context.Background(), ledger.Operation{
		ID: "op-1",
		Entries: []ledger.Transaction{{
			ID:        "tx-1",
			AccountID: "finder:finder-1:cash",
			Amount:    500,
			Kind:      ledger.KindEscrowRelease,
		}},
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	require.Len(t, op.Entries, 1)
	assert.Equal(t, "tx-1", op.Entries[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostOperationInsufficientFundsRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	accountID := ledger.AccountID(ledger.OwnerFinder, "finder-1", ledger.AssetCash)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, held, allow_negative, frozen")).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "held", "allow_negative", "frozen"}).
			AddRow(100, 0, false, false))
	mock.ExpectRollback()

	_, _, err := store.PostOperation(context.Background(), ledger.Operation{
		ID: "op-1",
		Entries: []ledger.Transaction{{
			ID:        "tx-1",
			AccountID: accountID,
			Amount:    -500,
			Kind:      ledger.KindWithdrawal,
		}},
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostOperationFrozenAccountRejected(t *testing.T) {
	store, mock := newMockStore(t)
	accountID := ledger.AccountID(ledger.OwnerFinder, "finder-1", ledger.AssetToken)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, held, allow_negative, frozen")).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "held", "allow_negative", "frozen"}).
			AddRow(1000, 0, false, true))
	mock.ExpectRollback()

	_, _, err := store.PostOperation(context.Background(), ledger.Operation{
		ID: "op-1",
		Entries: []ledger.Transaction{{
			ID:        "tx-1",
			AccountID: accountID,
			Amount:    100,
			Kind:      ledger.KindGrant,
		}},
	})
	require.ErrorIs(t, err, ledger.ErrAccountFrozen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithdrawalHeldFundsNotSpendable(t *testing.T) {
	store, mock := newMockStore(t)
	accountID := ledger.AccountID(ledger.OwnerFinder, "finder-1", ledger.AssetCash)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance, held, frozen FROM accounts")).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "held", "frozen"}).
			AddRow(1000, 800, false))
	mock.ExpectRollback()

	_, err := store.CreateWithdrawal(context.Background(), withdrawal.Request{
		FinderID:      "finder-1",
		Amount:        500,
		PaymentMethod: "bank_transfer",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsAtNoSnapshot(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM settings")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	_, err := store.SettingsAt(context.Background(), time.Now().UTC())
	require.ErrorIs(t, err, ledger.ErrSettingsUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAccountFrozenUnknownAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET frozen")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetAccountFrozen(context.Background(), "client:nobody:cash", true)
	require.ErrorIs(t, err, ledger.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
