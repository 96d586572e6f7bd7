package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	limits := Limits{MinBytes: 16, MaxBytes: 64}

	tests := []struct {
		name  string
		data  []byte
		valid bool
	}{
		{"binary", binaryDescriptor(32), true},
		{"at minimum", binaryDescriptor(16), true},
		{"at maximum", binaryDescriptor(64), true},
		{"empty", nil, false},
		{"too small", binaryDescriptor(15), false},
		{"too large", binaryDescriptor(65), false},
		{"json object", []byte(`{"imageList":[1,2,3,4,5,6,7,8]}`), false},
		{"json array after whitespace", []byte("\r\n\t [0,1,2,3,4,5,6,7,8,9,10]"), false},
		{"json after BOM", append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"a":"bcdefghijklmnop"}`)...), false},
		{"whitespace only", []byte("                    "), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.data, limits)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDescriptor)
			}
		})
	}
}

func TestValidate_NoLimits(t *testing.T) {
	assert.NoError(t, Validate([]byte{0x02}, Limits{}))
}
