package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashledger/backend/internal/domain"
	"cashledger/backend/internal/store"
)

var errBoom = errors.New("boom")

func TestInTxRollsBackEveryWrite(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	before, err := s.ListMovements(ctx, "")
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, []string{"SKU-BREAD"})
		if err != nil {
			return err
		}
		p := products["SKU-BREAD"]
		p.Stock = 0
		if err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		if _, err := tx.AppendMovement(ctx, domain.StockMovement{ID: "mov_x", ProductID: p.ID}); err != nil {
			return err
		}
		if _, err := tx.NextInvoiceNumber(ctx); err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, domain.CashSession{ID: "ses_x", DrawerID: "D1", State: domain.SessionOpen}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	p, err := s.GetProduct(ctx, "SKU-BREAD")
	require.NoError(t, err)
	assert.Equal(t, int64(18), p.Stock)

	after, err := s.ListMovements(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	_, err = s.FindOpenSession(ctx, "D1")
	require.ErrorIs(t, err, store.ErrNotFound)

	var next int64
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		next, err = tx.NextInvoiceNumber(ctx)
		return err
	}))
	assert.Equal(t, int64(1), next)
}

func TestOneOpenSessionPerDrawer(t *testing.T) {
	s := New()
	ctx := context.Background()
	open := func(id string) error {
		return s.InTx(ctx, func(tx store.Tx) error {
			return tx.CreateSession(ctx, domain.CashSession{ID: id, DrawerID: "D1", State: domain.SessionOpen})
		})
	}

	require.NoError(t, open("ses_1"))
	require.ErrorIs(t, open("ses_2"), domain.ErrDrawerAlreadyOpen)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		session, err := tx.LockSession(ctx, "ses_1")
		if err != nil {
			return err
		}
		session.State = domain.SessionReconciling
		return tx.UpdateSession(ctx, *session)
	}))
	require.NoError(t, open("ses_2"))

	found, err := s.FindOpenSession(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "ses_2", found.ID)
}

func TestClosedSessionRefusesUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateSession(ctx, domain.CashSession{ID: "ses_1", DrawerID: "D1", State: domain.SessionClosed})
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateSession(ctx, domain.CashSession{ID: "ses_1", DrawerID: "D1", State: domain.SessionOpen})
	})
	require.ErrorIs(t, err, domain.ErrSessionClosedCannotAdjust)
}

func TestSaleOwnsItsTenders(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateSale(ctx, domain.Sale{ID: "sal_1", Status: domain.SaleStatusPending, Lines: []domain.SaleLine{{LineNo: 1}}}); err != nil {
			return err
		}
		return tx.AddTenders(ctx, []domain.Tender{{ID: "tnd_1", SaleID: "sal_1", SessionID: "ses_1", Amount: 10}})
	}))

	sale, err := s.GetSale(ctx, "sal_1")
	require.NoError(t, err)
	require.Len(t, sale.Tenders, 1)

	sale.Lines[0].LineNo = 99
	again, err := s.GetSale(ctx, "sal_1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Lines[0].LineNo)

	tenders, err := s.ListSessionTenders(ctx, "ses_1")
	require.NoError(t, err)
	assert.Len(t, tenders, 1)
}
