package fedclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"paragraphs", "<p>one</p><p>two</p>", "one\n\ntwo"},
		{"link", `<p>see <a href="https://example.com">here</a></p>`, "see [here](https://example.com)"},
		{"linebreak", "<p>one<br>two</p>", "one\ntwo"},
		{"plain", "just text", "just text"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := htmlToMarkdown(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWireObjAccessors(t *testing.T) {
	obj, err := loadWireObj([]byte(`{
		"id": "https://example.com/1",
		"nested": {"inner": "value"},
		"single": "alone",
		"many": ["a", "b"],
		"objects": [{"k": "v"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/1", obj.mustGetString("id"))
	assert.Equal(t, "value", obj.mustGetString("nested.inner"))
	assert.Equal(t, "", obj.mustGetString("missing"))

	// A bare string and an array both come back as a slice.
	assert.Equal(t, []string{"alone"}, obj.getStringSlice("single"))
	assert.Equal(t, []string{"a", "b"}, obj.getStringSlice("many"))

	objs := obj.getObjSlice("objects")
	require.Len(t, objs, 1)
	assert.Equal(t, "v", objs[0].mustGetString("k"))
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	_, pubPEM := newKeyPair(t)

	key, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	assert.NotNil(t, key)

	_, err = ParsePublicKey("not a pem")
	assert.Error(t, err)
}

func TestFingerFor(t *testing.T) {
	assert.Equal(t, "bob@remote.example", fingerFor("Bob", "https://remote.example/users/bob"))
	assert.Equal(t, "", fingerFor("", "https://remote.example/users/bob"))
	assert.Equal(t, "", fingerFor("bob", "not-a-url"))
}
