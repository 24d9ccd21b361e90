package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "products", crawler.ProductSaved{ProductID: "p-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "products", crawler.ProductSaved{ProductID: "p-2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "p-2", msgs[1].Payload.(crawler.ProductSaved).ProductID)

	msgs[0].Topic = "modified"
	require.Equal(t, "products", pub.Messages()[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err = pub.Publish(context.Background(), "products", "x")
	require.ErrorIs(t, err, boom)

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "products", "x")
	require.NoError(t, err)
	require.Len(t, pub.Messages(), 1)
}
