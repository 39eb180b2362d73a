package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/storage"
)

func TestPageKey(t *testing.T) {
	assert.Equal(t, "https://shop.com/cart", PageKey("https://shop.com/cart?step=2#top"))
	assert.Equal(t, "https://shop.com", PageKey("https://shop.com/"))
	assert.Equal(t, "https://shop.com/a", PageKey("https://shop.com/a#x"))
}

func TestParsePageData(t *testing.T) {
	first := time.UnixMilli(1700000000000)
	row := parsePageData("https://www.shop.com/cart", map[string]string{
		"first_seen":          "1700000000000",
		"last_seen":           "1700000004500",
		"events_count":        "7",
		"network_count":       "4",
		"datalayer_count":     "2",
		"user_action_count":   "1",
		"server_side_count":   "3",
		"platform:GA4":        "3",
		"platform:Meta Pixel": "1",
		"platform:":           "9",
		"bogus":               "x",
	})

	assert.Equal(t, "https://www.shop.com/cart", row.PageURL)
	assert.Equal(t, "www.shop.com", row.PageHost)
	assert.Equal(t, first, row.FirstSeen)
	assert.Equal(t, uint64(4500), row.DurationMs)
	assert.Equal(t, uint32(7), row.EventsCount)
	assert.Equal(t, uint32(4), row.NetworkCount)
	assert.Equal(t, uint32(2), row.DataLayerCount)
	assert.Equal(t, uint32(1), row.UserActionCount)
	assert.Equal(t, uint32(3), row.ServerSideCount)
	assert.Equal(t, map[string]uint32{"GA4": 3, "Meta Pixel": 1}, row.Platforms)
}

func TestParsePageData_Empty(t *testing.T) {
	row := parsePageData("https://shop.com", map[string]string{"events_count": "nope"})
	assert.Zero(t, row.EventsCount)
	assert.Zero(t, row.DurationMs)
	assert.NotNil(t, row.Platforms)
}

func TestAggregator_WithoutRedisIsNoop(t *testing.T) {
	a := NewAggregatorWithClient(nil, nil)
	ctx := context.Background()
	require.NoError(t, a.UpdatePage(ctx, storage.EventRow{PageURL: "https://shop.com/"}))
	require.NoError(t, a.FlushPage(ctx, "https://shop.com/"))
	require.NoError(t, a.FlushAllPages(ctx))
	require.NoError(t, a.Close())
}
