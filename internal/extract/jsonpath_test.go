package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
		want    []jsonPathSegment
	}{
		{path: "name", want: []jsonPathSegment{{key: "name"}}},
		{path: "a.b.c", want: []jsonPathSegment{{key: "a"}, {key: "b"}, {key: "c"}}},
		{path: "items[0]", want: []jsonPathSegment{{key: "items", indices: []int{0}}}},
		{path: "a.b[2].c", want: []jsonPathSegment{{key: "a"}, {key: "b", indices: []int{2}}, {key: "c"}}},
		{path: "grid[1][2]", want: []jsonPathSegment{{key: "grid", indices: []int{1, 2}}}},
		{path: "$.offers.price", want: []jsonPathSegment{{key: "offers"}, {key: "price"}}},
		{path: "", wantErr: true},
		{path: "a..b", wantErr: true},
		{path: "a[x]", wantErr: true},
		{path: "a[1", wantErr: true},
		{path: "a[-1]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := parseJSONPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalJSONPath(t *testing.T) {
	var data interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"offers": {"price": "19.99", "stock": 4},
		"images": ["a.jpg", "b.jpg"],
		"matrix": [[1, 2], [3, 4]],
		"nested": [{"id": 7}]
	}`), &data))

	tests := []struct {
		path   string
		wantOK bool
		want   interface{}
	}{
		{"offers.price", true, "19.99"},
		{"offers.stock", true, float64(4)},
		{"images[1]", true, "b.jpg"},
		{"matrix[1][0]", true, float64(3)},
		{"nested[0].id", true, float64(7)},
		{"offers.sku", false, nil},
		{"images[5]", false, nil},
		{"offers.price.inner", false, nil},
		{"missing.path", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			segments, err := parseJSONPath(tt.path)
			require.NoError(t, err)
			got, ok := evalJSONPath(data, segments)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
