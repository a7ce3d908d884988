package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// heightAdapter is an Adapter returning a fixed height. Only CurrentHeight
// is used.
type heightAdapter struct {
	Adapter
}

func (heightAdapter) CurrentHeight(context.Context) (int64, error) {
	return 42, nil
}

// TestRateLimited checks calls past the burst wait for a token and that
// the wait honors the context.
func TestRateLimited(t *testing.T) {
	t.Parallel()

	limited := NewRateLimited(heightAdapter{}, 1, 1)

	height, err := limited.CurrentHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 42, height)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Millisecond,
	)
	defer cancel()

	_, err = limited.CurrentHeight(ctx)
	require.Error(t, err)

	unlimited := NewRateLimited(heightAdapter{}, 0, 0)
	for i := 0; i < 100; i++ {
		_, err := unlimited.CurrentHeight(context.Background())
		require.NoError(t, err)
	}
}
