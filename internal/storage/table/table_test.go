package table

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableCSV(t *testing.T) {
	tbl := New("val_acc")
	tbl.Append(0, map[string]float64{"proxy_client_1": 0.5, "proxy_client_0": 0.25})
	tbl.Append(1, map[string]float64{"proxy_client_0": 0.75})

	assert.Equal(t, "val_acc", tbl.Name())
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"proxy_client_0", "proxy_client_1"}, tbl.Columns())

	out, err := tbl.CSV()
	require.NoError(t, err)

	expected := "round,proxy_client_0,proxy_client_1\n" +
		"0,0.25,0.5\n" +
		"1,0.75,\n"
	assert.Equal(t, expected, string(out))
}

func TestTableAppendCopiesValues(t *testing.T) {
	tbl := New("test_acc")
	values := map[string]float64{"a": 1}
	tbl.Append(0, values)
	values["a"] = 2

	out, err := tbl.CSV()
	require.NoError(t, err)
	assert.Equal(t, "round,a\n0,1\n", string(out))
}

func TestEmptyTable(t *testing.T) {
	out, err := New("empty").CSV()
	require.NoError(t, err)
	assert.Equal(t, "round\n", string(out))
}

func TestLearningRatesJSON(t *testing.T) {
	data, err := LearningRatesJSON(map[string][]float64{"b": {0.1}, "a": {0, 0.5}})
	require.NoError(t, err)

	var decoded map[string][]float64
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []float64{0, 0.5}, decoded["a"])
	assert.Equal(t, []float64{0.1}, decoded["b"])

	data, err = LearningRatesJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
