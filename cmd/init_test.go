package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("DM_DATABASE_TYPE", "sqlite")
	os.Setenv("DM_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("DM_DATABASE_TYPE")
			os.Unsetenv("DM_DATABASE")
		},
	)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	// Migrations should have created the tables.
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)

	for _, table := range []string{
		"tip_cooldowns",
		"invoice_xp_distributions",
		"invoice_snapshots",
	} {
		assert.Truef(
			t,
			db.Migrator().HasTable(table),
			"expected table %q to exist",
			table,
		)
	}
}
