package identity

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create then find by email and handle", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		in := fakeAccountInput()
		created, err := s.CreateAccount(ctx, in)
		require.NoError(t, err)
		assert.True(t, ValidID(created.ID))
		assert.Equal(t, int64(0), created.Version)
		assert.Empty(t, created.RefreshTokens)

		byEmail, err := s.FindByEmailOrHandle(ctx, strings.ToUpper(in.Email))
		require.NoError(t, err)
		assert.Equal(t, created.ID, byEmail.ID)

		byHandle, err := s.FindByEmailOrHandle(ctx, "  "+strings.ToUpper(in.Handle)+" ")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byHandle.ID)
		assert.Equal(t, in.PasswordHash, byHandle.PasswordHash)
	})

	t.Run("duplicate email and handle conflict case-insensitively", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		in := fakeAccountInput()
		_, err := s.CreateAccount(ctx, in)
		require.NoError(t, err)

		dupEmail := fakeAccountInput()
		dupEmail.Email = strings.ToUpper(in.Email)
		_, err = s.CreateAccount(ctx, dupEmail)
		field, ok := ConflictField(err)
		require.True(t, ok, "expected conflict, got %v", err)
		assert.Equal(t, "email", field)

		dupHandle := fakeAccountInput()
		dupHandle.Handle = strings.ToUpper(in.Handle)
		_, err = s.CreateAccount(ctx, dupHandle)
		field, ok = ConflictField(err)
		require.True(t, ok, "expected conflict, got %v", err)
		assert.Equal(t, "handle", field)
	})

	t.Run("missing account is not found", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		_, err := s.FindByEmailOrHandle(ctx, gofakeit.Email())
		assert.True(t, IsNotFound(err), "got %v", err)

		id, err := NewULID(time.Now())
		require.NoError(t, err)
		_, err = s.LoadByID(ctx, id)
		assert.True(t, IsNotFound(err), "got %v", err)

		err = s.PersistRefreshSet(ctx, id, 0, RefreshSet{})
		assert.True(t, IsNotFound(err), "got %v", err)
	})

	t.Run("persist refresh set is compare-and-set on version", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		acct, err := s.CreateAccount(ctx, fakeAccountInput())
		require.NoError(t, err)

		exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		set := RefreshSet{{Hash: strings.Repeat("a", 64), ExpiresAt: exp}}
		require.NoError(t, s.PersistRefreshSet(ctx, acct.ID, acct.Version, set))

		err = s.PersistRefreshSet(ctx, acct.ID, acct.Version, RefreshSet{})
		assert.ErrorIs(t, err, ErrConflict)

		loaded, err := s.LoadByID(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, acct.Version+1, loaded.Version)
		require.Len(t, loaded.RefreshTokens, 1)
		assert.Equal(t, set[0].Hash, loaded.RefreshTokens[0].Hash)
		assert.True(t, set[0].ExpiresAt.Equal(loaded.RefreshTokens[0].ExpiresAt))
	})

	t.Run("concurrent writers at one version: exactly one wins", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		acct, err := s.CreateAccount(ctx, fakeAccountInput())
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				set := RefreshSet{{Hash: strings.Repeat(string(rune('a'+i)), 64), ExpiresAt: time.Now().Add(time.Hour)}}
				switch err := s.PersistRefreshSet(ctx, acct.ID, acct.Version, set); {
				case err == nil:
					wins.Add(1)
				case IsConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())
	})

	t.Run("loaded accounts do not alias stored state", func(t *testing.T) {
		s := newStore(t)
		ctx := testCtx(t)

		acct, err := s.CreateAccount(ctx, fakeAccountInput())
		require.NoError(t, err)
		set := RefreshSet{{Hash: strings.Repeat("b", 64), ExpiresAt: time.Now().Add(time.Hour)}}
		require.NoError(t, s.PersistRefreshSet(ctx, acct.ID, acct.Version, set))

		a1, err := s.LoadByID(ctx, acct.ID)
		require.NoError(t, err)
		a1.RefreshTokens[0].Hash = "mutated"

		a2, err := s.LoadByID(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("b", 64), a2.RefreshTokens[0].Hash)
	})
}

func fakeAccountInput() CreateAccountInput {
	return CreateAccountInput{
		Handle:       strings.ToLower(gofakeit.Username()) + "_" + strings.ToLower(gofakeit.LetterN(6)),
		Email:        strings.ToLower(gofakeit.LetterN(10)) + "@" + gofakeit.DomainName(),
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$a2V5",
		PhoneNumber:  gofakeit.Phone(),
		Now:          time.Now().UTC(),
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}
