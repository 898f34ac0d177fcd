package formats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{"FACEBOOK", "INSTAGRAM_FEED", "INSTAGRAM_STORY", "TWITTER", "YOUTUBE"}, c.IDs())

	yt, ok := c.Get("youtube")
	require.True(t, ok)
	assert.Equal(t, 1920, yt.Width)
	assert.Equal(t, 1080, yt.Height)
	assert.Equal(t, "16:9", yt.AspectRatio)

	story, ok := c.Get("INSTAGRAM_STORY")
	require.True(t, ok)
	assert.Equal(t, "9:16", story.AspectRatio)
}

func TestResolve(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	all, err := c.Resolve(nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	some, err := c.Resolve([]string{"twitter", "TWITTER", "FACEBOOK"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "TWITTER", some[0].ID)

	_, err = c.Resolve([]string{"TIKTOK"})
	assert.Error(t, err)
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"empty":      "formats: []\n",
		"dimensions": "formats:\n  - id: X\n    width: 0\n    height: 10\n",
		"duplicate":  "formats:\n  - id: X\n    width: 1\n    height: 1\n  - id: x\n    width: 1\n    height: 1\n",
		"unknown":    "formats:\n  - id: X\n    width: 1\n    height: 1\n    depth: 3\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formats.yaml")
	require.NoError(t, os.WriteFile(path, []byte("formats:\n  - id: banner\n    name: Banner\n    width: 728\n    height: 90\n    aspect_ratio: \"8:1\"\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BANNER"}, c.IDs())
}
