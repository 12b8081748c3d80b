package notify

import (
	"bytes"
	"html/template"
	texttemplate "text/template"
	"time"
)

var templates = template.Must(template.New("emails").Parse(`
{{define "verification_code"}}<p>Dear {{.RecipientName}},</p>
<p>Your verification code for the {{.DistributionType}} agreement on <b>{{.AssetName}}</b> is:</p>
<h2>{{.Code}}</h2>
<p>The code expires at {{.ExpiresAt}}. Do not share it with anyone.</p>{{end}}

{{define "signing_requested"}}<p>Dear {{.RecipientName}},</p>
<p>{{.OwnerName}} has created a {{.DistributionType}} distribution for <b>{{.AssetName}}</b> and your signature is required.</p>
<p>Please sign in to review and sign the agreement.</p>{{end}}

{{define "agreement_signed"}}<p>Dear {{.RecipientName}},</p>
<p>{{.ActorName}} has signed the {{.DistributionType}} agreement for <b>{{.AssetName}}</b>.</p>
<p>Progress: {{.Signed}} of {{.Total}} signatures ({{.ProgressPercent}}%).</p>{{end}}

{{define "agreement_rejected"}}<p>Dear {{.RecipientName}},</p>
<p>{{.ActorName}} has rejected the {{.DistributionType}} agreement for <b>{{.AssetName}}</b>.</p>
<p>Reason: {{.Reason}}</p>
<p>The distribution is closed and no further signatures are possible.</p>{{end}}

{{define "distribution_completed"}}<p>Dear {{.RecipientName}},</p>
<p>The {{.DistributionType}} agreement for <b>{{.AssetName}}</b> has been approved by {{.AdminName}} and is now complete.</p>
{{if .DocumentURL}}<p><a href="{{.DocumentURL}}">Download the signed agreement</a></p>{{end}}{{end}}
`))

var textTemplates = texttemplate.Must(texttemplate.New("emails").Parse(`
{{define "verification_code"}}Dear {{.RecipientName}},

Your verification code for the {{.DistributionType}} agreement on {{.AssetName}} is: {{.Code}}

The code expires at {{.ExpiresAt}}. Do not share it with anyone.
{{end}}

{{define "signing_requested"}}Dear {{.RecipientName}},

{{.OwnerName}} has created a {{.DistributionType}} distribution for {{.AssetName}} and your signature is required.
Please sign in to review and sign the agreement.
{{end}}

{{define "agreement_signed"}}Dear {{.RecipientName}},

{{.ActorName}} has signed the {{.DistributionType}} agreement for {{.AssetName}}.
Progress: {{.Signed}} of {{.Total}} signatures ({{.ProgressPercent}}%).
{{end}}

{{define "agreement_rejected"}}Dear {{.RecipientName}},

{{.ActorName}} has rejected the {{.DistributionType}} agreement for {{.AssetName}}.
Reason: {{.Reason}}
The distribution is closed and no further signatures are possible.
{{end}}

{{define "distribution_completed"}}Dear {{.RecipientName}},

The {{.DistributionType}} agreement for {{.AssetName}} has been approved by {{.AdminName}} and is now complete.
{{if .DocumentURL}}Download the signed agreement: {{.DocumentURL}}
{{end}}{{end}}
`))

// TemplateData is the union of fields used by the email templates.
type TemplateData struct {
	RecipientName    string
	OwnerName        string
	ActorName        string
	AdminName        string
	AssetName        string
	DistributionType string
	Code             string
	ExpiresAt        string
	Reason           string
	Signed           int
	Total            int
	ProgressPercent  string
	DocumentURL      string
}

var subjects = map[string]string{
	"verification_code":      "Your agreement verification code",
	"signing_requested":      "Your signature is requested",
	"agreement_signed":       "An agreement was signed",
	"agreement_rejected":     "An agreement was rejected",
	"distribution_completed": "Distribution agreement completed",
}

// Render builds the plain text and html bodies for template name.
func Render(name string, to string, data TemplateData) (Email, error) {
	var html, text bytes.Buffer
	if err := templates.ExecuteTemplate(&html, name, data); err != nil {
		return Email{}, err
	}
	if err := textTemplates.ExecuteTemplate(&text, name, data); err != nil {
		return Email{}, err
	}
	return Email{
		To:       to,
		ToName:   data.RecipientName,
		Subject:  subjects[name],
		TextBody: text.String(),
		HTMLBody: html.String(),
		Kind:     name,
	}, nil
}

func FormatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}
