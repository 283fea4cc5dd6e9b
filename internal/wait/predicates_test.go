package wait

import (
	"context"
	"testing"
	"time"

	"formnerd/internal/browser"
	"formnerd/internal/browser/browsertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var (
	locBanner = browser.MustParseLocator("id=banner")
	locRow    = browser.MustParseLocator("css=tr")
	locCity   = browser.MustParseLocator("id=city")
)

func check(t *testing.T, c Condition) bool {
	t.Helper()
	ok, err := c.Check(context.Background())
	require.NoError(t, err)
	return ok
}

func TestPredicates_ElementState(t *testing.T) {
	d := browsertest.New(&browsertest.Node{
		Name: "banner", Matches: []browser.Locator{locBanner},
		Hidden: true, Text: "Saved successfully",
	})

	assert.True(t, check(t, Present(d, locBanner, nil)))
	assert.False(t, check(t, Visible(d, locBanner, nil)))
	assert.True(t, check(t, Invisible(d, locBanner, nil)))
	assert.True(t, check(t, TextContains(d, locBanner, nil, "Saved")))
	assert.False(t, check(t, TextContains(d, locBanner, nil, "Error")))

	d.Update("banner", func(n *browsertest.Node) { n.Hidden = false; n.Obscured = true })
	assert.True(t, check(t, Visible(d, locBanner, nil)))
	assert.False(t, check(t, Clickable(d, locBanner, nil)))
	assert.False(t, check(t, Invisible(d, locBanner, nil)))

	d.Update("banner", func(n *browsertest.Node) { n.Obscured = false })
	assert.True(t, check(t, Clickable(d, locBanner, nil)))

	d.Remove("banner")
	assert.False(t, check(t, Present(d, locBanner, nil)))
	assert.True(t, check(t, Invisible(d, locBanner, nil)), "absent counts as invisible")
}

func TestCountAtLeast(t *testing.T) {
	d := browsertest.New(
		&browsertest.Node{Name: "r1", Matches: []browser.Locator{locRow}},
		&browsertest.Node{Name: "r2", Matches: []browser.Locator{locRow}, AppearAfter: 30 * time.Millisecond},
	)
	assert.False(t, check(t, CountAtLeast(d, locRow, nil, 2)))

	ok, err := Until(context.Background(), CountAtLeast(d, locRow, nil, 2), time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestElementBoundPredicates(t *testing.T) {
	d := browsertest.New(&browsertest.Node{
		Name: "city", Tag: "select", Matches: []browser.Locator{locCity},
		Disabled: true, Options: []browsertest.Option{{Value: "", Text: "Choose"}},
	})
	els, err := d.Find(context.Background(), locCity, nil)
	require.NoError(t, err)
	require.Len(t, els, 1)

	assert.False(t, check(t, Enabled(d, els[0])))
	assert.False(t, check(t, OptionCountAtLeast(d, els[0], 2)))

	d.Update("city", func(n *browsertest.Node) {
		n.Disabled = false
		n.Options = append(n.Options, browsertest.Option{Value: "mad", Text: "Madrid"})
	})
	assert.True(t, check(t, Enabled(d, els[0])))
	assert.True(t, check(t, OptionCountAtLeast(d, els[0], 2)))
}

func TestUntil_WaitsForDelayedVisibility(t *testing.T) {
	d := browsertest.New(&browsertest.Node{
		Name: "banner", Matches: []browser.Locator{locBanner}, ShowAfter: 40 * time.Millisecond,
	})
	start := time.Now()
	ok, err := Until(context.Background(), Visible(d, locBanner, nil), time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSpec_YAMLAndBind(t *testing.T) {
	src := `
- id=banner
- kind: text_contains
  locator: id=banner
  text: Saved
- kind: count_at_least
  locator: css=tr
  count: 2
`
	var specs []Spec
	require.NoError(t, yaml.Unmarshal([]byte(src), &specs))
	require.Len(t, specs, 3)
	assert.Equal(t, KindVisible, specs[0].Kind)
	assert.Equal(t, `text_contains(id=banner, "Saved")`, specs[1].String())
	for _, s := range specs {
		assert.NoError(t, s.Validate())
	}

	d := browsertest.New(&browsertest.Node{Name: "banner", Matches: []browser.Locator{locBanner}, Text: "Saved!"})
	assert.True(t, check(t, specs[0].Bind(d, nil)))
	assert.True(t, check(t, specs[1].Bind(d, nil)))
	assert.False(t, check(t, specs[2].Bind(d, nil)))
}

func TestSpec_Validate(t *testing.T) {
	assert.Error(t, Spec{Kind: KindTextContains, Locator: locBanner}.Validate())
	assert.Error(t, Spec{Kind: KindCountAtLeast, Locator: locBanner}.Validate())
	assert.Error(t, Spec{Kind: "glowing", Locator: locBanner}.Validate())
	assert.Error(t, Spec{Kind: KindVisible}.Validate())
}
