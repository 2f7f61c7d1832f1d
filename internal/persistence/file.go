// Package persistence writes archival records to disk.
package persistence

import (
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes an archival file written to disk.
type DataFile struct {
	// Prefix is the data directory.
	Prefix   string
	Datatype string
	Subtest  string
	UUID     string
	// Path is the full path of the file.
	Path string
	// Size is the number of bytes written.
	Size int
}

// filePath returns the path for a new data file:
// <datadir>/<datatype>/YYYY/MM/DD/<datatype>-<subtest>-<timestamp>.<uuid>.json
func filePath(datadir, datatype, subtest, uuid string, timestamp time.Time) (string, string) {
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	name := datatype + "-" + subtest + "-" +
		timestamp.Format("20060102T150405.000000000Z") + "." + uuid + ".json"
	return dir, path.Join(dir, name)
}

// WriteDataFile marshals data as JSON and writes it to a new file under
// datadir. It fails if the file already exists.
func WriteDataFile(datadir, datatype, subtest, uuid string, data any) (*DataFile, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dir, filepath := filePath(datadir, datatype, subtest, uuid, time.Now().UTC())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(content)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     filepath,
		Size:     n,
	}, nil
}
