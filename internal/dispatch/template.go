package dispatch

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/propdesk/otpd/pkg/models"
)

// Default message texts used when a channel has no template configured.
const (
	DefaultBody    = `Your OTP is {{ .Code }}. Valid for {{ .Minutes }} {{ if eq .Minutes 1 }}minute{{ else }}minutes{{ end }}.`
	DefaultSubject = `Your verification code`
)

// Template is a compiled subject and body pair for a channel.
type Template struct {
	Subject *template.Template
	Body    *template.Template
}

// tplData is exposed to message templates.
type tplData struct {
	Channel  models.Channel
	To       string
	TenantID string
	Code     string
	TTL      time.Duration
	Minutes  int
}

// ParseTemplate compiles a message template with the sprig function map.
func ParseTemplate(name, src string) (*template.Template, error) {
	tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("error parsing template %s: %v", name, err)
	}
	return tpl, nil
}

// NewTemplate compiles a subject and body pair. Empty values fall back
// to the defaults.
func NewTemplate(subject, body string) (*Template, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if body == "" {
		body = DefaultBody
	}

	s, err := ParseTemplate("subject", subject)
	if err != nil {
		return nil, err
	}
	b, err := ParseTemplate("body", body)
	if err != nil {
		return nil, err
	}
	return &Template{Subject: s, Body: b}, nil
}

// render executes the subject and body templates for a message.
func (t *Template) render(m models.Message) (string, []byte, error) {
	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		data = tplData{
			Channel:  m.Channel,
			To:       m.To,
			TenantID: m.TenantID,
			Code:     m.Code,
			TTL:      m.TTL,
			Minutes:  int(m.TTL.Round(time.Minute) / time.Minute),
		}
	)

	if err := t.Subject.Execute(subj, data); err != nil {
		return "", nil, err
	}
	if err := t.Body.Execute(out, data); err != nil {
		return "", nil, err
	}
	return subj.String(), out.Bytes(), nil
}
