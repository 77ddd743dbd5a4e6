package conftools_test

import (
	"testing"
	"time"

	"github.com/nais/skilld/pkg/conftools"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout"`
	Keys    []string      `json:"keys"`
	Nested  struct {
		Secret string `json:"secret"`
	} `json:"nested"`
}

func TestLoadAndFormat(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("CONFTEST_NAME", "from-env")
	t.Setenv("CONFTEST_TIMEOUT", "90s")
	t.Setenv("CONFTEST_NESTED_SECRET", "hunter2")

	conftools.Initialize("conftest")
	require.NoError(t, flag.CommandLine.Parse([]string{}))
	viper.SetDefault("name", "")
	viper.SetDefault("timeout", "1s")
	viper.SetDefault("keys", []string{"a", "b"})
	viper.SetDefault("nested.secret", "")

	cfg := &testConfig{}
	require.NoError(t, conftools.Load(cfg))

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"a", "b"}, cfg.Keys)
	assert.Equal(t, "hunter2", cfg.Nested.Secret)

	lines := conftools.Format([]string{"nested.secret"})
	assert.Contains(t, lines, "name: from-env")
	assert.Contains(t, lines, "nested.secret: ***REDACTED***")
	for _, line := range lines {
		assert.NotContains(t, line, "hunter2")
	}
}
