package html

import (
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/ptgott/relaymail/request"
)

// submittedLayout is how submission times appear in bodies, e.g.,
// "March 5, 2024 at 2:07 PM".
const submittedLayout = "January 2, 2006 at 3:04 PM"

// DefaultSiteName is used when the config doesn't name the website.
const DefaultSiteName = "the website"

// Email is a rendered subject with its HTML and text bodies.
type Email struct {
	Subject string
	HTML    string
	Text    string
}

// RequestData is used to populate email body templates. Create it with
// NewRequestData so the display names are filled in.
type RequestData struct {
	request.ContactRequest
	OrgTypeName   string
	AttendeesName string
	TimelineName  string
	Submitted     string
	SiteName      string
	// Diagnostic is the delivery error and Journaled whether the request
	// was saved anyway. Only used in alerts.
	Diagnostic string
	Journaled  bool
}

// NewRequestData readies a sanitized request for inclusion in an email body.
// We want to keep request.ContactRequest as close as possible to what the
// form submitted, and RequestData as close as possible to what a reader
// would want to see, while decoupling the two.
func NewRequestData(cr request.ContactRequest, submitted time.Time, siteName string) RequestData {
	if siteName == "" {
		siteName = DefaultSiteName
	}
	return RequestData{
		ContactRequest: cr,
		OrgTypeName:    cr.OrgTypeDisplay(),
		AttendeesName:  cr.AttendeesDisplay(),
		TimelineName:   cr.TimelineDisplay(),
		Submitted:      submitted.Format(submittedLayout),
		SiteName:       siteName,
	}
}

// Using tables for layout to avoid cross-client irregularities.
// See here for best practices:
// https://www.smashingmagazine.com/2017/01/introduction-building-sending-html-email-for-web-developers/#using-html-tables-for-layout
const notificationHTML = `<!DOCTYPE html>
<html>
<head>
<style>
	body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
	.label { font-weight: bold; color: #0d9488; font-size: 12px; text-transform: uppercase; }
	.message { background: white; padding: 20px; border: 1px solid #e2e8f0; }
</style>
</head>
<body>
	<table>
		<tbody>
			<tr><td><h1>New Demo Request</h1></td></tr>
			<tr><td><p>{{ .SiteName }}</p></td></tr>
			<tr><td><div class="label">Contact Name</div>
<div>{{ .Name }}</div></td></tr>
			<tr><td><div class="label">Email Address</div>
<div><a href="mailto:{{ .Email }}">{{ .Email }}</a></div></td></tr>
			<tr><td><div class="label">Phone Number</div>
<div>{{ .Phone }}</div></td></tr>
			<tr><td><div class="label">Organization</div>
<div>{{ .Organization }}</div></td></tr>
			<tr><td><div class="label">Organization Type</div>
<div>{{ .OrgTypeName }}</div></td></tr>
			<tr><td><div class="label">Expected Annual Attendees</div>
<div>{{ .AttendeesName }}</div></td></tr>
			<tr><td><div class="label">Timeline</div>
<div>{{ .TimelineName }}</div></td></tr>
			<tr><td><div class="label">Message</div>
<div class="message">{{ .Message }}</div></td></tr>
			<tr><td><p>This demo request was submitted via {{ .SiteName }}.</p>
<p>Submitted on: {{ .Submitted }}</p></td></tr>
		</tbody>
	</table>
</body>
</html>
`

// Meant to satisfy the text/plain MIME type.
const notificationText = `NEW DEMO REQUEST - {{ .SiteName }}
==========================================

Contact Information:
- Name: {{ .Name }}
- Email: {{ .Email }}
- Phone: {{ .Phone }}
- Organization: {{ .Organization }}

Details:
- Organization Type: {{ .OrgTypeName }}
- Expected Attendees: {{ .AttendeesName }}
- Timeline: {{ .TimelineName }}

Message:
{{ .Message }}

---
Submitted on: {{ .Submitted }}
`

const alertHTML = `<!DOCTYPE html>
<html>
<body>
	<table>
		<tbody>
			<tr><td><h2>Email Delivery Failed</h2></td></tr>
			<tr><td><p>A demo request email from {{ .SiteName }} <strong>failed to deliver</strong>.{{ if .Journaled }} The request has been saved to the submission journal.{{ end }}</p></td></tr>
			<tr><td><p><strong>Customer:</strong> {{ .Name }} ({{ .Email }})</p></td></tr>
			<tr><td><p><strong>Organization Type:</strong> {{ .OrgTypeName }}</p></td></tr>
			<tr><td><p><strong>Error:</strong> {{ .Diagnostic }}</p></td></tr>
		</tbody>
	</table>
</body>
</html>
`

const alertText = `ALERT: email delivery failed for {{ .SiteName }}

Customer: {{ .Name }} ({{ .Email }})
Org Type: {{ .OrgTypeName }}
Error: {{ .Diagnostic }}
{{ if .Journaled }}
The request has been saved to the submission journal.
{{ end }}`

const confirmationHTML = `<!DOCTYPE html>
<html>
<body>
	<table>
		<tbody>
			<tr><td><h1>We Got Your Request!</h1></td></tr>
			<tr><td><p>Hi {{ .Name }},</p>
<p>Thank you for your interest! We've received your demo request and a member of our team will be in touch shortly.</p></td></tr>
			<tr><td><p>Here's a summary of your request:</p></td></tr>
			<tr><td><div class="label">Organization Type</div>
<div>{{ .OrgTypeName }}</div></td></tr>
			<tr><td><div class="label">Expected Annual Attendees</div>
<div>{{ .AttendeesName }}</div></td></tr>
			<tr><td><div class="label">Timeline</div>
<div>{{ .TimelineName }}</div></td></tr>
			<tr><td><div class="label">Your Message</div>
<div class="message">{{ .Message }}</div></td></tr>
			<tr><td><p>This is an automated confirmation from {{ .SiteName }}, submitted on {{ .Submitted }}.</p></td></tr>
		</tbody>
	</table>
</body>
</html>
`

const confirmationText = `REQUEST RECEIVED - {{ .SiteName }}
================================================

Hi {{ .Name }},

Thank you for your interest! We've received your demo request and a member of our team will be in touch shortly.

Summary:
- Organization Type: {{ .OrgTypeName }}
- Expected Attendees: {{ .AttendeesName }}
- Timeline: {{ .TimelineName }}

Your Message:
{{ .Message }}

---
Submitted on: {{ .Submitted }}
`

// The template text is constant, so a parse failure is a programming error.
var (
	notificationHTMLTmpl = htmltemplate.Must(htmltemplate.New("notification").Parse(notificationHTML))
	notificationTextTmpl = texttemplate.Must(texttemplate.New("notification").Parse(notificationText))
	alertHTMLTmpl        = htmltemplate.Must(htmltemplate.New("alert").Parse(alertHTML))
	alertTextTmpl        = texttemplate.Must(texttemplate.New("alert").Parse(alertText))
	confirmationHTMLTmpl = htmltemplate.Must(htmltemplate.New("confirmation").Parse(confirmationHTML))
	confirmationTextTmpl = texttemplate.Must(texttemplate.New("confirmation").Parse(confirmationText))
)

// populate executes the HTML and text templates with rd. HTML values are
// escaped by html/template, which is why the request is never escaped
// before this point.
func (rd RequestData) populate(subject string, h *htmltemplate.Template, t *texttemplate.Template) (Email, error) {
	if rd.Name == "" || rd.Email == "" {
		return Email{}, fmt.Errorf("can't render an email without the requester's name and email address")
	}

	var hb, tb strings.Builder
	if err := h.Execute(&hb, rd); err != nil {
		return Email{}, fmt.Errorf("can't populate the %v HTML template: %v", h.Name(), err)
	}
	if err := t.Execute(&tb, rd); err != nil {
		return Email{}, fmt.Errorf("can't populate the %v text template: %v", t.Name(), err)
	}

	return Email{
		Subject: oneLine(subject),
		HTML:    hb.String(),
		Text:    tb.String(),
	}, nil
}

// Notification is the email to the site owner's inbox.
func (rd RequestData) Notification() (Email, error) {
	return rd.populate(
		fmt.Sprintf("New Demo Request - %v - %v", rd.OrgTypeName, rd.Name),
		notificationHTMLTmpl,
		notificationTextTmpl,
	)
}

// Alert tells an operator that the notification could not be delivered.
// diagnostic is the relay's error. journaled says whether the request can
// still be found in the submission journal.
func (rd RequestData) Alert(diagnostic string, journaled bool) (Email, error) {
	rd.Diagnostic = diagnostic
	rd.Journaled = journaled
	return rd.populate(
		fmt.Sprintf("[ALERT] %v email delivery failed - %v", rd.SiteName, rd.Name),
		alertHTMLTmpl,
		alertTextTmpl,
	)
}

// Confirmation is the acknowledgement sent back to the requester.
func (rd RequestData) Confirmation() (Email, error) {
	return rd.populate(
		fmt.Sprintf("Demo Request Received - %v", rd.SiteName),
		confirmationHTMLTmpl,
		confirmationTextTmpl,
	)
}

// oneLine collapses all whitespace, including line breaks that came in
// through free-text fields, so the subject is a valid header value.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
