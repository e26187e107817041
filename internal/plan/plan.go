// Package plan is the document interpreter boundary. The crawler stores raw
// plan bodies verbatim; consumers of the revision cache run an Interpreter
// over them to obtain structured data.
package plan

import (
	"encoding/xml"
	"strings"
	"time"

	apperr "indiworker/pkg/errors"
)

// Document is the interpreted header of a plan snapshot. The raw body holds
// far more (lessons, courses, exams); only what crawl consumers need for
// ordering and display is surfaced here.
type Document struct {
	PlanType       string
	Timestamp      time.Time
	PlanDate       time.Time
	Filename       string
	FreeDays       []time.Time
	FormNames      []string
	AdditionalInfo []string
}

// Interpreter turns a raw fetched body into a structured Document.
type Interpreter interface {
	Interpret(raw []byte) (*Document, error)
}

// IndiwareMobil interprets Indiware mobile plan XML (PlanKl/PlanLe/PlanRa
// files).
type IndiwareMobil struct {
	// Location of the remote's local timestamps, Europe/Berlin for
	// stundenplan24 hostings. Nil falls back to UTC.
	Location *time.Location
}

const (
	headTimeLayout = "02.01.2006, 15:04"
	planDateLayout = "Monday, 2. January 2006"
)

type mobilXML struct {
	XMLName xml.Name `xml:"VpMobil"`
	Head    struct {
		PlanType  string `xml:"planart"`
		Timestamp string `xml:"zeitstempel"`
		PlanDate  string `xml:"DatumPlan"`
		Filename  string `xml:"datei"`
	} `xml:"Kopf"`
	FreeDays struct {
		Days []string `xml:"ft"`
	} `xml:"FreieTage"`
	Forms struct {
		Entries []struct {
			ShortName string `xml:"Kurz"`
		} `xml:"Kl"`
	} `xml:"Klassen"`
	AdditionalInfo struct {
		Lines []string `xml:"ZiZeile"`
	} `xml:"ZusatzInfo"`
}

// Interpret decodes the plan header. The body must be UTF-8; the dispatcher
// guarantees that for fetched content.
func (i *IndiwareMobil) Interpret(raw []byte) (*Document, error) {
	var parsed mobilXML
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.NewParse("not a valid Indiware mobile plan", err)
	}

	loc := i.Location
	if loc == nil {
		loc = time.UTC
	}

	doc := &Document{
		PlanType: parsed.Head.PlanType,
		Filename: parsed.Head.Filename,
	}

	if parsed.Head.Timestamp != "" {
		ts, err := time.ParseInLocation(headTimeLayout, parsed.Head.Timestamp, loc)
		if err != nil {
			return nil, apperr.NewParse("invalid plan timestamp", err)
		}
		doc.Timestamp = ts
	}

	if parsed.Head.PlanDate != "" {
		date, err := parsePlanDate(parsed.Head.PlanDate)
		if err != nil {
			return nil, apperr.NewParse("invalid plan date", err)
		}
		doc.PlanDate = date
	}

	// free days are compact yymmdd values
	for _, day := range parsed.FreeDays.Days {
		d, err := time.ParseInLocation("060102", day, time.UTC)
		if err != nil {
			continue
		}
		doc.FreeDays = append(doc.FreeDays, d)
	}

	for _, form := range parsed.Forms.Entries {
		if name := strings.TrimSpace(form.ShortName); name != "" {
			doc.FormNames = append(doc.FormNames, name)
		}
	}

	doc.AdditionalInfo = parsed.AdditionalInfo.Lines

	return doc, nil
}

// parsePlanDate handles the German long-form plan date
// ("Montag, 8. Januar 2024") by mapping the month name.
func parsePlanDate(value string) (time.Time, error) {
	replacer := strings.NewReplacer(
		"Januar", "January", "Februar", "February", "März", "March",
		"April", "April", "Mai", "May", "Juni", "June",
		"Juli", "July", "August", "August", "September", "September",
		"Oktober", "October", "November", "November", "Dezember", "December",
		"Montag", "Monday", "Dienstag", "Tuesday", "Mittwoch", "Wednesday",
		"Donnerstag", "Thursday", "Freitag", "Friday", "Samstag", "Saturday",
		"Sonntag", "Sunday",
	)

	return time.ParseInLocation(planDateLayout, replacer.Replace(value), time.UTC)
}
