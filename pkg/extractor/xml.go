package extractor

import (
	"encoding/xml"
	"fmt"
	"time"
)

const (
	namespace     = "http://sams.snic.se/namespaces/2019/01/softwareaccountingrecords"
	isoTimeFormat = "2006-01-02T15:04:05"
)

type xmlRoot struct {
	XMLName  xml.Name    `xml:"sa:SoftwareAccountingRecords"`
	XMLNSSA  string      `xml:"xmlns:sa,attr"`
	Records  []xmlRecord `xml:"sa:SoftwareAccountingRecord"`
}

type xmlRecord struct {
	Identity    xmlIdentity   `xml:"sa:RecordIdentity"`
	JobRecordID string        `xml:"sa:JobRecordID"`
	Software    []xmlSoftware `xml:"sa:Software"`
}

type xmlIdentity struct {
	CreateTime string `xml:"sa:createTime,attr"`
	RecordID   string `xml:"sa:recordId,attr"`
}

type xmlSoftware struct {
	Name         string `xml:"sa:Name"`
	Version      string `xml:"sa:Version"`
	LocalVersion string `xml:"sa:LocalVersion"`
	UserProvided string `xml:"sa:UserProvided"`
	Usage        string `xml:"sa:Usage"`
}

// gm2isoTime renders t as a UTC ISO-8601 timestamp, matching the
// original's gm2isoTime.
func gm2isoTime(t time.Time) string {
	return t.UTC().Format(isoTimeFormat) + "Z"
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func formatUsage(pct float64) string {
	return fmt.Sprintf("%.2f", pct)
}
