package sp24

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVPDir(t *testing.T) {
	body := "PlanKl20240108.xml;08.01.2024 07:43;PlanKl20240109.xml;08.01.2024 14:02;Klassen.xml;08.01.2024 14:02;"

	listing, err := ParseVPDir(body)
	require.NoError(t, err)
	require.Len(t, listing, 3)

	assert.Equal(t,
		time.Date(2024, 1, 8, 7, 43, 0, 0, time.UTC),
		listing["PlanKl20240108.xml"])
	assert.Equal(t,
		time.Date(2024, 1, 8, 14, 2, 0, 0, time.UTC),
		listing["Klassen.xml"])
}

func TestParseVPDirInvalidTimestamp(t *testing.T) {
	_, err := ParseVPDir("PlanKl20240108.xml;not a date")
	assert.Error(t, err)
}

func TestParseVPDirEmpty(t *testing.T) {
	listing, err := ParseVPDir("")
	require.NoError(t, err)
	assert.Empty(t, listing)
}

func TestPlanFilenameDate(t *testing.T) {
	date, ok := PlanFilenameDate("PlanKl20240101.xml")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), date)

	_, ok = PlanFilenameDate("Klassen.xml")
	assert.False(t, ok)

	_, ok = PlanFilenameDate("vpinfok.txt")
	assert.False(t, ok)

	date, ok = PlanFilenameDate("VplanLe20231215.xml")
	require.True(t, ok)
	assert.Equal(t, time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC), date)
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel("Klassen.xml"))
	assert.True(t, IsSentinel("Lehrer.xml"))
	assert.True(t, IsSentinel("Raeume.xml"))
	assert.False(t, IsSentinel("PlanKl20240101.xml"))
}

func TestEndpointURLs(t *testing.T) {
	h := Hosting{BaseURL: "https://www.stundenplan24.de", SchoolNumber: "10000000"}

	forms := h.FormsMobil()
	assert.Equal(t, "https://www.stundenplan24.de/10000000/mobil/_phpmob/vpdir.php", forms.VPDirURL())
	assert.Equal(t, "mobk", forms.VPDirPassword)
	assert.Equal(t,
		"https://www.stundenplan24.de/10000000/mobil/mobdaten/PlanKl20240101.xml",
		forms.PlanURL(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t,
		"https://www.stundenplan24.de/10000000/mobil/mobdaten/Klassen.xml",
		forms.DefaultPlanURL())

	teachers := h.TeachersMobil()
	assert.Equal(t, "mobl", teachers.VPDirPassword)
	assert.Contains(t, teachers.PlanURL(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), "moble/mobdaten/PlanLe20240101.xml")

	subst := h.StudentsSubstitution()
	assert.Equal(t,
		"https://www.stundenplan24.de/10000000/vplan/vdaten/VplanKl20240101.xml",
		subst.PlanURL(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t,
		"https://www.stundenplan24.de/10000000/vplan/vdaten/VplanKl.xml",
		subst.PlanURL(time.Time{}))
}
