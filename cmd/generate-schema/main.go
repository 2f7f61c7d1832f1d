package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtest/pkg/results"

	"cloud.google.com/go/bigquery"
)

var speedtestSchema string

func init() {
	flag.StringVar(&speedtestSchema, "speedtest", "/var/spool/datatypes/speedtest.json", "filename to write speedtest schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema for autoloading.
	sch, err := bigquery.InferSchema(results.ArchivalData{})
	rtx.Must(err, "failed to generate speedtest schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal speedtest schema")
	err = os.WriteFile(speedtestSchema, b, 0o644)
	rtx.Must(err, "failed to write speedtest schema")
}
