package persistence_test

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/speedtest/internal/persistence"
)

// A struct that can be marshalled to JSON.
type MarshallableStruct struct {
	Test string
}

func TestWriteDataFile(t *testing.T) {
	datadir := t.TempDir()
	testdata := MarshallableStruct{Test: "foo"}
	df, err := persistence.WriteDataFile(datadir, "speedtest", "session", "fake-uuid", testdata)
	if err != nil {
		t.Fatalf("cannot create test datafile: %v", err)
	}

	if df.Prefix != datadir || df.Datatype != "speedtest" ||
		df.Subtest != "session" || df.UUID != "fake-uuid" {
		t.Fatalf("invalid field values in DataFile")
	}

	// Check the generated path.
	prefix := fmt.Sprintf("%s/speedtest/%s/speedtest-session-", datadir,
		time.Now().UTC().Format("2006/01/02"))
	if !strings.HasPrefix(df.Path, prefix) ||
		!strings.HasSuffix(df.Path, "fake-uuid.json") {
		t.Errorf("invalid output path: %s", df.Path)
	}
	// Check the file contents.
	content, err := os.ReadFile(df.Path)
	if err != nil {
		t.Errorf("error while reading file content: %v", err)
	}
	if string(content) != `{"Test":"foo"}` {
		t.Errorf("unexpected file content: %s", string(content))
	}
	if df.Size != len(content) {
		t.Errorf("invalid Size: %d (should be %d)", df.Size, len(content))
	}
}

func TestWriteDataFile_errors(t *testing.T) {
	// Channels cannot be marshalled.
	if _, err := persistence.WriteDataFile(t.TempDir(), "t", "s", "u", make(chan int)); err == nil {
		t.Errorf("expected marshalling error")
	}
	// A regular file where the data directory should be.
	file := t.TempDir() + "/file"
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := persistence.WriteDataFile(file, "t", "s", "u", "data"); err == nil {
		t.Errorf("expected error with invalid datadir")
	}
}
