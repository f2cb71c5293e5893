// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityDefined(t *testing.T) {
	for name, v := range map[string]string{
		"Version":      Version,
		"Product":      Product,
		"Manufacturer": Manufacturer,
	} {
		assert.NotEmpty(t, v, name)
		assert.Less(t, len(v), 100, name)
		assert.NotContains(t, []string{"TODO", "FIXME", "XXX", "placeholder"}, v, name)
	}
}

func TestString(t *testing.T) {
	prev := Version
	t.Cleanup(func() { Version = prev })

	Version = "1.2.3"
	assert.Equal(t, "Resonate TTP Player 1.2.3 (Resonate)", String())
}
