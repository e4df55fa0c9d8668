package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_CreateRequiresHandleAndEmail(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.CreateAccount(context.Background(), CreateAccountInput{Email: "a@example.com"})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.CreateAccount(context.Background(), CreateAccountInput{Handle: "alice"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.LoadByID(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.PersistRefreshSet(ctx, "x", 0, nil), context.Canceled)
}
