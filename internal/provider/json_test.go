package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpsignal/internal/resilience"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want map[string]any
	}{
		{name: "bare", text: `{"a": 1}`, want: map[string]any{"a": float64(1)}},
		{name: "fenced", text: "```json\n{\"a\": \"x\"}\n```", want: map[string]any{"a": "x"}},
		{name: "prose", text: "Here you go:\n{\"a\": true}\nThanks.", want: map[string]any{"a": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got map[string]any
			require.NoError(t, ExtractJSON(tt.text, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSON_Array(t *testing.T) {
	t.Parallel()

	var got []map[string]string
	require.NoError(t, ExtractJSON("signals: [{\"t\":\"a\"},{\"t\":\"b\"}]", &got))
	assert.Len(t, got, 2)
}

func TestExtractJSON_Malformed(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"", "no json here", `{"a": `} {
		var got map[string]any
		err := ExtractJSON(text, &got)
		require.Error(t, err, text)
		assert.Equal(t, resilience.ClassMalformed, resilience.Classify(err))

		var me *resilience.MalformedOutputError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, text, me.Raw)
	}
}
