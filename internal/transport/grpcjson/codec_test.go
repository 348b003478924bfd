package grpcjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecKeepsNumbers(t *testing.T) {
	var c Codec
	b, err := c.Marshal(map[string]any{"id": int64(9007199254740993)})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, json.Number("9007199254740993"), out["id"])
}

func TestRegister(t *testing.T) {
	Register()
	Register()
	assert.NotNil(t, encoding.GetCodec(Name))
}
