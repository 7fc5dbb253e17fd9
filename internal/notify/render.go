package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

//go:embed templates/*
var templateFS embed.FS

var subjects = map[string]string{
	TemplateOrderConfirmation: "Your order {{.OrderID}} is confirmed",
	TemplateWelcome:           "Welcome, {{.CustomerName}}",
}

// Rendered is a ready-to-send email.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer renders messages from the embedded templates.
type Renderer struct {
	html     *htmltemplate.Template
	text     *texttemplate.Template
	subjects *texttemplate.Template
}

func NewRenderer() (*Renderer, error) {
	h, err := htmltemplate.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	t, err := texttemplate.ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	s := texttemplate.New("subjects")
	for id, subj := range subjects {
		if _, err := s.New(id).Parse(subj); err != nil {
			return nil, fmt.Errorf("parse subject %s: %w", id, err)
		}
	}
	return &Renderer{html: h, text: t, subjects: s}, nil
}

func (r *Renderer) Render(msg Message) (*Rendered, error) {
	if r.subjects.Lookup(msg.TemplateID) == nil {
		return nil, fmt.Errorf("unknown template %q", msg.TemplateID)
	}
	var subj, html, text bytes.Buffer
	if err := r.subjects.ExecuteTemplate(&subj, msg.TemplateID, msg.Payload); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if err := r.html.ExecuteTemplate(&html, msg.TemplateID+".html", msg.Payload); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	if err := r.text.ExecuteTemplate(&text, msg.TemplateID+".txt", msg.Payload); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	return &Rendered{Subject: subj.String(), HTML: html.String(), Text: text.String()}, nil
}
