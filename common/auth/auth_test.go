package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunAs(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, "", User(ctx))
	err := RunAs(WithUser(ctx, AdminUser), SystemUser, func(ctx context.Context) error {
		require.Equal(t, SystemUser, User(ctx))
		return nil
	})
	require.NoError(t, err)
}
