package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	u, err := Decode([]byte(`{"operator_id":"op-1","location":{"lat":52.23,"lon":21.01},"available":true}`))
	require.NoError(t, err)
	assert.Equal(t, "op-1", u.OperatorID)
	assert.InDelta(t, 52.23, u.Location.Lat, 1e-9)
	require.NotNil(t, u.Available)
	assert.True(t, *u.Available)

	_, err = Decode([]byte(`{"location":{"lat":1,"lon":2}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"operator_id":"op-1","location":{"lat":91,"lon":0}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
