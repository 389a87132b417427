package localization

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundled(t *testing.T) {
	l, err := Bundled()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"en", "uk"}, l.Languages())
	assert.Equal(t, "Join call", l.GetString("en", "join_call"))
	assert.Equal(t, "Приєднатися", l.GetString("uk", "join_call"))
}

func TestGetString_Fallbacks(t *testing.T) {
	l, err := Bundled()
	require.NoError(t, err)

	// uk.json has no partner-left text, so English is used.
	assert.Equal(t, l.GetString("en", "session_ended_partner"), l.GetString("uk", "session_ended_partner"))
	assert.Equal(t, l.GetString("en", "join_call"), l.GetString("de", "join_call"))
	assert.Equal(t, "no_such_key", l.GetString("en", "no_such_key"))
}

func TestNewFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"l/en.json":   {Data: []byte(`{"hello":"Hello, %s"}`)},
		"l/notes.txt": {Data: []byte("ignored")},
	}
	l, err := NewFromFS(fsys, "l")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ann", l.Format("en", "hello", "Ann"))

	_, err = NewFromFS(fstest.MapFS{"l/en.json": {Data: []byte(`{`)}}, "l")
	assert.ErrorContains(t, err, "en.json")

	_, err = NewFromFS(fstest.MapFS{"l/readme.md": {Data: []byte("x")}}, "l")
	assert.Error(t, err)

	_, err = NewLocalizer(t.TempDir() + "/missing")
	assert.Error(t, err)
}
