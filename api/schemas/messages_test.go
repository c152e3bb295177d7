package schemas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

func TestMessageImageHandling(t *testing.T) {
	t.Parallel()

	msg := schemas.NewUserMessage("Current page state").WithImage("data:image/png;base64,AAAA", "auto")

	assert.True(t, msg.HasImage())
	assert.Equal(t, "Current page state", msg.Text())

	stripped := msg.StripImages()
	assert.False(t, stripped.HasImage())
	assert.Equal(t, "Current page state", stripped.Text())

	// The original keeps its image part.
	assert.True(t, msg.HasImage())
	require.Len(t, msg.Parts, 2)
}

func TestSnapshotDescribeElements(t *testing.T) {
	t.Parallel()

	snap := schemas.BrowserStateSnapshot{
		URL:   "https://example.com/login",
		Title: "Sign in",
		Elements: []schemas.InteractiveElement{
			{Index: 0, Tag: "input", Attributes: map[string]string{"type": "email", "placeholder": "Email"}},
			{Index: 1, Tag: "button", Text: "Sign in"},
		},
	}

	listing := snap.DescribeElements()
	assert.Contains(t, listing, `[0]<input type="email" placeholder="Email"></input>`)
	assert.Contains(t, listing, "[1]<button>Sign in</button>")

	el, ok := snap.ElementByIndex(1)
	require.True(t, ok)
	assert.Equal(t, "button", el.Tag)

	_, ok = snap.ElementByIndex(99)
	assert.False(t, ok)

	empty := schemas.BrowserStateSnapshot{}
	assert.Equal(t, "empty page", empty.DescribeElements())
}
