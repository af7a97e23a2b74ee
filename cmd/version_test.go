package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/raid-guild/dungeon-master-worker/dungeonmaster"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := dungeonmaster.Version
	originalCommitSHA := dungeonmaster.CommitSHA
	originalBuildTime := dungeonmaster.BuildTime

	t.Cleanup(
		func() {
			dungeonmaster.Version = originalVersion
			dungeonmaster.CommitSHA = originalCommitSHA
			dungeonmaster.BuildTime = originalBuildTime
		},
	)

	dungeonmaster.Version = "1.0.0"
	dungeonmaster.CommitSHA = "abc123"
	dungeonmaster.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		dungeonmaster.Version,
		dungeonmaster.CommitSHA,
		dungeonmaster.BuildTime,
	)
	assert.Equal(t, expected, output)
}
