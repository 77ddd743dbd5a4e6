package database

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationsRecordTheirVersion(t *testing.T) {
	for i, migration := range migrations {
		version := i + 1
		assert.True(t,
			strings.Contains(migration, fmt.Sprintf("VALUES (%d, now())", version)),
			"migration %d must insert its own version", version,
		)
	}
}

func TestMigrationsCreateTables(t *testing.T) {
	all := strings.Join(migrations, "\n")
	for _, table := range []string{"migrations", "deployment", "skill_version", "poll_result", "poll_state", "lock"} {
		assert.Contains(t, all, fmt.Sprintf("CREATE TABLE %s\n", table))
	}
}
