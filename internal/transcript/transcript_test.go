package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleChat = `{"user_name":"You","character_name":"Seraphina","create_date":"2024-5-1 @12h","chat_metadata":{}}
{"name":"Seraphina","is_user":false,"is_system":false,"send_date":"May 1, 2024","mes":"*She smiles.* Welcome to the glade.","extra":{}}

{"name":"You","is_user":true,"is_system":false,"send_date":1714560000000,"mes":"Who is the old man by the well?"}
{"name":"System","is_user":false,"is_system":true,"mes":"[Context reset]"}
{"name":"Seraphina","is_user":false,"mes":"   "}
{"name":"","mes":"A bell rings in the distance."}
`

func TestRead(t *testing.T) {
	tr, err := Read(strings.NewReader(sampleChat))
	require.NoError(t, err)

	assert.Equal(t, Header{UserName: "You", CharacterName: "Seraphina"}, tr.Header)
	require.Len(t, tr.Messages, 5)
	assert.Equal(t, "Seraphina", tr.Messages[0].Name)
	assert.True(t, tr.Messages[1].IsUser)
	assert.True(t, tr.Messages[2].IsSystem)
}

func TestRender(t *testing.T) {
	tr, err := Read(strings.NewReader(sampleChat))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Seraphina: *She smiles.* Welcome to the glade.",
		"You: Who is the old man by the well?",
		"A bell rings in the distance.",
	}, tr.Render())
}

func TestRead_WithoutHeader(t *testing.T) {
	tr, err := Read(strings.NewReader(`{"name":"A","mes":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, Header{}, tr.Header)
	assert.Equal(t, []string{"A: hi"}, tr.Render())
}

func TestRead_BadLine(t *testing.T) {
	_, err := Read(strings.NewReader("{\"name\":\"A\",\"mes\":\"hi\"}\n{broken"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sampleChat), 0o600))

	tr, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, tr.Messages, 5)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	units := []string{"a", "b", "c", "d", "e"}

	assert.Nil(t, Batches(nil, 2))
	assert.Equal(t, [][]string{units}, Batches(units, 0))
	assert.Equal(t, [][]string{units}, Batches(units, 10))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, Batches(units, 2))
}
