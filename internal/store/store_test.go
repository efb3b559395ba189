package store_test

import (
	"errors"
	"testing"

	"github.com/jensholdgaard/auctiond/internal/store"
)

func TestAccount_Debit(t *testing.T) {
	tests := []struct {
		name        string
		balance     int64
		amount      int64
		wantBalance int64
		wantErr     error
	}{
		{name: "exact balance", balance: 100, amount: 100, wantBalance: 0},
		{name: "partial", balance: 250, amount: 100, wantBalance: 150},
		{name: "shortfall", balance: 99, amount: 100, wantBalance: 99, wantErr: store.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := store.Account{ID: "acc-1", Balance: tt.balance}
			got, err := acc.Debit(tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Debit() error = %v, want %v", err, tt.wantErr)
			}
			if got.Balance != tt.wantBalance {
				t.Errorf("Balance = %d, want %d", got.Balance, tt.wantBalance)
			}
			if acc.Balance != tt.balance {
				t.Errorf("original account mutated: Balance = %d, want %d", acc.Balance, tt.balance)
			}
		})
	}
}

func TestAccount_DebitNegative(t *testing.T) {
	if _, err := (store.Account{Balance: 10}).Debit(-1); err == nil {
		t.Fatal("expected error for negative debit")
	}
}

func TestAccount_Credit(t *testing.T) {
	acc := store.Account{ID: "seller", Balance: 5}
	got := acc.Credit(12000)
	if got.Balance != 12005 {
		t.Errorf("Balance = %d, want 12005", got.Balance)
	}
	if acc.Balance != 5 {
		t.Errorf("original account mutated: Balance = %d", acc.Balance)
	}
}
