package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWarnings(t *testing.T) {
	t.Run("without slot", func(t *testing.T) {
		ctx := context.Background()
		addWarning(ctx, "ignored")
		assert.Empty(t, TakeWarning(ctx))
	})

	t.Run("latest warning wins and is taken once", func(t *testing.T) {
		ctx := WithWarnings(context.Background())
		addWarning(ctx, "first")
		addWarning(ctx, "second")

		assert.Equal(t, "second", TakeWarning(ctx))
		assert.Empty(t, TakeWarning(ctx))
	})
}
