package lead

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"+49 151 000-111": "+49151000111",
		"(030) 1234 567":  "0301234567",
		"  +1.555.0100 ":  "+15550100",
		"49+151":          "49151",
		"":                "",
		"ext":             "",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizePhone(input), "input %q", input)
	}
}
