package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"dosewatch/internal/notifier"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
)

var htmlBody = template.Must(template.New("reminder").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h2>{{.Heading}}</h2>
<p><strong>{{.Medicine}}</strong>{{if .Dosage}} &middot; {{.Dosage}}{{end}}</p>
<p>Scheduled for {{.When}}.</p>
{{if .Footer}}<p style="color:#666">{{.Footer}}</p>{{end}}
</body></html>
`))

type bodyData struct {
	Heading  string
	Medicine string
	Dosage   string
	When     string
	Footer   string
}

func when(o recurrence.Occurrence, loc *time.Location) string {
	return o.At.In(loc).Format("Mon 2 Jan 2006 15:04 MST")
}

func render(s schedule.Schedule, o recurrence.Occurrence, subject, heading, footer string, loc *time.Location) notifier.Message {
	d := bodyData{
		Heading:  heading,
		Medicine: s.MedicineName,
		Dosage:   strings.TrimSpace(s.Dosage),
		When:     when(o, loc),
		Footer:   footer,
	}

	var text strings.Builder
	fmt.Fprintf(&text, "%s\n\n", heading)
	fmt.Fprintf(&text, "Medicine: %s\n", d.Medicine)
	if d.Dosage != "" {
		fmt.Fprintf(&text, "Dosage:   %s\n", d.Dosage)
	}
	fmt.Fprintf(&text, "Time:     %s\n", d.When)
	if footer != "" {
		fmt.Fprintf(&text, "\n%s\n", footer)
	}

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, d); err != nil {
		html.Reset()
	}
	return notifier.Message{
		To:      s.Email,
		Subject: subject,
		Text:    text.String(),
		HTML:    html.String(),
		Key:     o.Key(),
	}
}

// ReminderMessage renders the "time to take your dose" notification.
func ReminderMessage(s schedule.Schedule, o recurrence.Occurrence, loc *time.Location) notifier.Message {
	return render(s, o,
		"Medication reminder: "+s.MedicineName,
		"It's time to take your medication.",
		"Reference: "+o.Key(),
		loc)
}

// MissedMessage renders the follow-up sent when no intake was logged.
func MissedMessage(s schedule.Schedule, o recurrence.Occurrence, loc *time.Location) notifier.Message {
	return render(s, o,
		"Missed dose: "+s.MedicineName,
		"No intake was recorded for this dose.",
		"If you already took it, log the dose to keep your history accurate. Reference: "+o.Key(),
		loc)
}
