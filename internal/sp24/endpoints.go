package sp24

import (
	"fmt"
	"net/url"
	"time"
)

// Credentials holds the HTTP basic auth pair for a hosted school.
type Credentials struct {
	Username string
	Password string
}

// Hosting resolves logical plan requests into absolute URLs for one school
// on a stundenplan24-compatible host.
type Hosting struct {
	BaseURL      string
	SchoolNumber string
}

// MobilEndpoint is one of the three Indiware mobile plan endpoints
// (forms, teachers, rooms). Each has its own directory, vpdir password
// and file naming scheme.
type MobilEndpoint struct {
	URL           string
	VPDirPassword string

	planFilePattern string
	defaultFile     string
}

const (
	vpdirPath    = "_phpmob/vpdir.php"
	mobdataPath  = "mobdaten"
	planDateUsed = "20060102"
)

// FormsMobil returns the endpoint for form (class) plans.
func (h Hosting) FormsMobil() MobilEndpoint {
	return MobilEndpoint{
		URL:             h.join("mobil"),
		VPDirPassword:   "mobk",
		planFilePattern: "PlanKl%s.xml",
		defaultFile:     "Klassen.xml",
	}
}

// TeachersMobil returns the endpoint for teacher plans.
func (h Hosting) TeachersMobil() MobilEndpoint {
	return MobilEndpoint{
		URL:             h.join("moble"),
		VPDirPassword:   "mobl",
		planFilePattern: "PlanLe%s.xml",
		defaultFile:     "Lehrer.xml",
	}
}

// RoomsMobil returns the endpoint for room plans.
func (h Hosting) RoomsMobil() MobilEndpoint {
	return MobilEndpoint{
		URL:             h.join("mobra"),
		VPDirPassword:   "mobr",
		planFilePattern: "PlanRa%s.xml",
		defaultFile:     "Raeume.xml",
	}
}

// PlanEndpoint resolves a dated plan file to its absolute URL. Both the
// mobile and the substitution endpoints satisfy it.
type PlanEndpoint interface {
	PlanURL(date time.Time) string
}

// SubstitutionEndpoint is a substitution plan endpoint (students or teachers).
type SubstitutionEndpoint struct {
	URL             string
	planFilePattern string
}

// StudentsSubstitution returns the endpoint for the student substitution plan.
func (h Hosting) StudentsSubstitution() SubstitutionEndpoint {
	return SubstitutionEndpoint{
		URL:             h.join("vplan"),
		planFilePattern: "VplanKl%s.xml",
	}
}

// TeachersSubstitution returns the endpoint for the teacher substitution plan.
func (h Hosting) TeachersSubstitution() SubstitutionEndpoint {
	return SubstitutionEndpoint{
		URL:             h.join("vplanle"),
		planFilePattern: "VplanLe%s.xml",
	}
}

func (h Hosting) join(segment string) string {
	u, err := url.JoinPath(h.BaseURL, h.SchoolNumber, segment)
	if err != nil {
		// BaseURL is validated at config time; a join failure here means a
		// programming error, surface it in the URL so requests fail loudly.
		return h.BaseURL + "/" + h.SchoolNumber + "/" + segment
	}
	return u
}

// VPDirURL is the directory-listing endpoint enumerating available plan
// files with their last-modified timestamps.
func (e MobilEndpoint) VPDirURL() string {
	u, _ := url.JoinPath(e.URL, vpdirPath)
	return u
}

// PlanURL resolves the dated plan file for the given calendar date.
func (e MobilEndpoint) PlanURL(date time.Time) string {
	return e.FileURL(fmt.Sprintf(e.planFilePattern, date.Format(planDateUsed)))
}

// DefaultPlanURL resolves the always-current plan alias (e.g. Klassen.xml).
func (e MobilEndpoint) DefaultPlanURL() string {
	return e.FileURL(e.defaultFile)
}

// FileURL resolves an arbitrary filename below the plan data directory.
func (e MobilEndpoint) FileURL(filename string) string {
	u, _ := url.JoinPath(e.URL, mobdataPath, filename)
	return u
}

// PlanURL resolves the dated substitution plan file. A zero date resolves
// the always-current alias.
func (e SubstitutionEndpoint) PlanURL(date time.Time) string {
	dateStr := ""
	if !date.IsZero() {
		dateStr = date.Format(planDateUsed)
	}
	u, _ := url.JoinPath(e.URL, "vdaten", fmt.Sprintf(e.planFilePattern, dateStr))
	return u
}
