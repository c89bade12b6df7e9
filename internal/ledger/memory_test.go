package ledger_test

import (
	"testing"

	"github.com/darioguarascio/docuchain/internal/ledger"
	"github.com/darioguarascio/docuchain/internal/ledger/ledgertest"
)

func TestMemoryStoreConformance(t *testing.T) {
	ledgertest.RunStoreConformance(t, func(t *testing.T) ledger.Store {
		return ledger.NewMemoryStore()
	})
}
