package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"comments", "{\n// subject\n\"a\":1 /* px */\n}", "{\n\n\"a\":1 \n}"},
		{"trailing comma", `{"a":[1,2,],}`, `{"a":[1,2]}`},
		{"prose around", `Sure! {"a":1} Hope that helps.`, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeJSON(tt.raw))
		})
	}
}

func TestParseAnalysis(t *testing.T) {
	res, err := ParseAnalysis("```json\n{\"primary\":{\"label\":\"Dog\",\"confidence\":0.9,\"box\":{\"x\":0.1,\"y\":0.2,\"w\":0.3,\"h\":0.4},\"cx\":0.25,\"cy\":0.4},\"tags\":[\"dog\",],}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Dog", res.Primary.Label)
	assert.InDelta(t, 0.3, res.Primary.Box.W, 1e-9)
	assert.Equal(t, []string{"dog"}, res.Tags)

	_, err = ParseAnalysis("I can see a dog in the corner.")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseAnalysis(`{"primary": "dog"}`)
	assert.Error(t, err)
}
