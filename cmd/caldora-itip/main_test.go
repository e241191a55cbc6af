package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const request = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp//Calendar//EN
METHOD:REQUEST
BEGIN:VEVENT
UID:standup
SEQUENCE:0
DTSTAMP:20240601T120000Z
DTSTART:20240603T090000Z
DTEND:20240603T093000Z
RRULE:FREQ=DAILY;COUNT=5
SUMMARY:Standup
ORGANIZER:mailto:olivia@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:olivia@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:bob@example.com
END:VEVENT
END:VCALENDAR
`

const reply = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp//Calendar//EN
METHOD:REPLY
BEGIN:VEVENT
UID:standup
SEQUENCE:0
DTSTAMP:20240601T130000Z
DTSTART:20240603T090000Z
DTEND:20240603T093000Z
RRULE:FREQ=DAILY;COUNT=5
ORGANIZER:mailto:olivia@example.com
ATTENDEE;PARTSTAT=TENTATIVE:mailto:bob@example.com
END:VEVENT
END:VCALENDAR
`

const acknowledged = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp//Calendar//EN
METHOD:REQUEST
BEGIN:VEVENT
UID:dentist
SEQUENCE:0
DTSTAMP:20240601T120000Z
DTSTART:20240603T100000Z
DTEND:20240603T110000Z
SUMMARY:Dentist
ORGANIZER:mailto:olivia@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:olivia@example.com
BEGIN:VALARM
UID:reminder
ACTION:DISPLAY
DESCRIPTION:Dentist
TRIGGER:-PT15M
ACKNOWLEDGED:20240603T095000Z
END:VALARM
END:VEVENT
END:VCALENDAR
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(content, "\n", "\r\n")), 0o600))
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	opts := options{
		recipient: "mailto:olivia@example.com",
		freeBusy:  "mailto:bob@example.com",
		from:      "2024-06-03T00:00:00Z",
		to:        "2024-06-05T00:00:00Z",
		dump:      true,
		files: []string{
			write(t, dir, "request.ics", request),
			write(t, dir, "request-again.ics", request),
			write(t, dir, "reply.ics", reply),
		},
	}

	var out, logs bytes.Buffer
	require.NoError(t, run(context.Background(), opts, &out, &logs))

	text := out.String()
	assert.Contains(t, text, "request.ics: REQUEST uid=standup")
	assert.Contains(t, text, "committed v1")
	assert.Contains(t, text, "committed v2")
	assert.Contains(t, text, "request-again.ics: REQUEST uid=standup sequence=0 -> no-op")
	assert.Contains(t, text, "PARTSTAT=TENTATIVE")
	assert.Equal(t, 2, strings.Count(text, "FBTYPE=BUSY-TENTATIVE"))
}

func TestRun_Rejected(t *testing.T) {
	dir := t.TempDir()
	opts := options{
		files: []string{
			write(t, dir, "request.ics", request),
			write(t, dir, "stranger.ics", strings.ReplaceAll(reply, "bob@", "carol@")),
			write(t, dir, "garbage.ics", "not a calendar"),
		},
	}

	var out, logs bytes.Buffer
	err := run(context.Background(), opts, &out, &logs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 message(s) rejected")
	assert.Contains(t, out.String(), "stranger.ics: REPLY uid=standup sequence=0 -> ")
	assert.Contains(t, out.String(), "garbage.ics:")
}

func TestParseWindow(t *testing.T) {
	w, err := parseWindow("", "")
	require.NoError(t, err)
	assert.True(t, w.Start.IsZero())

	_, err = parseWindow("2024-06-05T00:00:00Z", "2024-06-03T00:00:00Z")
	assert.Error(t, err)
	_, err = parseWindow("tomorrow", "")
	assert.Error(t, err)
}

func TestRun_DumpForClient(t *testing.T) {
	dir := t.TempDir()
	file := write(t, dir, "dentist.ics", acknowledged)

	tests := []struct {
		client      string
		placeholder bool
	}{
		{"-//Mozilla.org/NONSGML Mozilla Calendar V1.1//EN", true},
		{"-//Apple Inc.//macOS 14.0//EN", false},
	}
	for _, tt := range tests {
		t.Run(tt.client, func(t *testing.T) {
			var out, logs bytes.Buffer
			opts := options{dump: true, client: tt.client, files: []string{file}}
			require.NoError(t, run(context.Background(), opts, &out, &logs))
			assert.Equal(t, tt.placeholder, strings.Contains(out.String(), "19760401T005545Z"))
		})
	}
}
