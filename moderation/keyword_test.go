package moderation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/genrouter"
	"github.com/mediaforge/genrouter/moderation"
)

func TestKeywordFilter_BlocksBannedKeyword(t *testing.T) {
	f := moderation.NewKeywordFilter(moderation.WithKeywords("Gore", " weapon "))
	ctx := context.Background()

	m, err := f.Check(ctx, "a medieval WEAPON on a table")
	require.NoError(t, err)
	assert.Equal(t, genrouter.VerdictBlock, m.Verdict)

	m, err = f.Check(ctx, "a bowl of fruit")
	require.NoError(t, err)
	assert.Equal(t, genrouter.VerdictAllow, m.Verdict)
}

func TestKeywordFilter_EmptyListAllowsEverything(t *testing.T) {
	f := moderation.NewKeywordFilter()

	m, err := f.Check(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.Equal(t, genrouter.VerdictAllow, m.Verdict)
}

func TestKeywordFilter_RemoteSourceRefreshes(t *testing.T) {
	calls := 0
	source := func(context.Context) ([]string, error) {
		calls++
		return []string{"forbidden"}, nil
	}

	f := moderation.NewKeywordFilter(moderation.WithSource(source, time.Hour))
	ctx := context.Background()

	m, err := f.Check(ctx, "a forbidden scene")
	require.NoError(t, err)
	assert.Equal(t, genrouter.VerdictBlock, m.Verdict)

	// Within the TTL the cached list is reused.
	_, err = f.Check(ctx, "harmless")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestKeywordFilter_SourceFailureKeepsLastList(t *testing.T) {
	source := func(context.Context) ([]string, error) {
		return nil, errors.New("bucket unreachable")
	}

	f := moderation.NewKeywordFilter(
		moderation.WithKeywords("banned"),
		moderation.WithSource(source, 0),
	)

	m, err := f.Check(context.Background(), "a banned subject")
	require.NoError(t, err)
	assert.Equal(t, genrouter.VerdictBlock, m.Verdict, "static keywords survive a failing source")
}
