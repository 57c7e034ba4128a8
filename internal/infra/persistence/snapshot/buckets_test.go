package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitykit/internal/infra/persistence/memory"
	"entitykit/pkg/domain"
)

func TestEncodeDecodeKeepsIntegerPrecision(t *testing.T) {
	snap := memory.Snapshot{
		Tables: map[string]map[string]domain.Row{
			"offers": {"shop_id=1,id=9007199254740993": {"shop_id": int64(1), "id": int64(9007199254740993), "name": "Test"}},
		},
		Sequences: map[string]int64{"shops": 1},
	}
	buckets, err := Encode(snap)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "offers", buckets[0].Name)
	assert.Equal(t, SequencesBucket, buckets[1].Name)

	raw := make(map[string][]byte, len(buckets))
	for _, b := range buckets {
		raw[b.Name] = b.Payload
	}
	decoded, err := Decode(raw)
	require.NoError(t, err)
	row := decoded.Tables["offers"]["shop_id=1,id=9007199254740993"]
	require.NotNil(t, row)
	assert.Equal(t, json.Number("9007199254740993"), row["id"])
	assert.Equal(t, int64(1), decoded.Sequences["shops"])
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := Decode(map[string][]byte{"offers": []byte("{not json")})
	require.Error(t, err)
	_, err = Decode(map[string][]byte{SequencesBucket: []byte("[]")})
	require.Error(t, err)
}
