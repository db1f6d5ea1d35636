package genrouter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/genrouter"
)

func testRegistry() *genrouter.Registry {
	video := imageDescriptor("vidgen", 1)
	video.Capabilities = []genrouter.Mode{genrouter.ModeImage, genrouter.ModeVideo}

	limited := imageDescriptor("limited", 2)
	limited.Resolutions = []string{"1K", "2K"}

	disabled := imageDescriptor("disabled", 3)
	disabled.Enabled = false

	return genrouter.NewRegistry([]genrouter.Descriptor{video, limited, disabled})
}

func eligibleIDs(r *genrouter.Registry, mode genrouter.Mode, resolution string) []string {
	var ids []string
	for _, d := range r.ListEligible(mode, resolution) {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestRegistry_ListEligibleFiltersCapability(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, []string{"limited", "vidgen"}, eligibleIDs(r, genrouter.ModeImage, ""))
	assert.Equal(t, []string{"vidgen"}, eligibleIDs(r, genrouter.ModeVideo, ""))
}

func TestRegistry_ListEligibleFiltersResolution(t *testing.T) {
	r := testRegistry()

	// An empty Resolutions list accepts anything; an explicit list is
	// exact-match.
	assert.Equal(t, []string{"limited", "vidgen"}, eligibleIDs(r, genrouter.ModeImage, "2K"))
	assert.Equal(t, []string{"vidgen"}, eligibleIDs(r, genrouter.ModeImage, "4K"))
}

func TestRegistry_ListEligibleEmptyIsNotAnError(t *testing.T) {
	r := genrouter.NewRegistry(nil)
	assert.Empty(t, r.ListEligible(genrouter.ModeImage, ""))
}

func TestRegistry_SkipsDisabled(t *testing.T) {
	r := testRegistry()
	assert.NotContains(t, eligibleIDs(r, genrouter.ModeImage, ""), "disabled")

	_, ok := r.Get("disabled")
	assert.True(t, ok, "disabled providers stay visible to Get")
}

func TestRegistry_ReloadReplacesContents(t *testing.T) {
	r := testRegistry()

	r.Reload([]genrouter.Descriptor{imageDescriptor("fresh", 1)})

	assert.Equal(t, []string{"fresh"}, eligibleIDs(r, genrouter.ModeImage, ""))
	_, ok := r.Get("vidgen")
	assert.False(t, ok)
}

func TestDescriptor_CostResolutionTiers(t *testing.T) {
	d := imageDescriptor("p", 1)
	d.CostPerUnit[genrouter.ModeImage] = 0.10

	require.InDelta(t, 0.10, d.Cost(genrouter.ModeImage, "1K"), 1e-9)
	require.InDelta(t, 0.15, d.Cost(genrouter.ModeImage, "2K"), 1e-9)
	require.InDelta(t, 0.20, d.Cost(genrouter.ModeImage, "4K"), 1e-9)
}
