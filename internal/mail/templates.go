// ABOUTME: Renders transactional emails from embedded Markdown templates
// ABOUTME: The Markdown is the text part; goldmark renders the HTML part

package mail

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/yuin/goldmark"
)

//go:embed templates/*.md
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.md"))

// VerificationSubject is the subject line of verification emails.
const VerificationSubject = "Please verify your email"

// Envelope holds the addressing shared by outgoing mail.
type Envelope struct {
	From       string
	ReplyTo    string
	ReturnPath string
}

// VerificationEmail builds the message asking username to open url.
func VerificationEmail(env Envelope, to, username, url string) (Message, error) {
	text, html, err := render("verify-email.md", struct{ Username, URL string }{username, url})
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:       env.From,
		To:         to,
		Subject:    VerificationSubject,
		Text:       text,
		HTML:       html,
		ReplyTo:    env.ReplyTo,
		ReturnPath: env.ReturnPath,
	}, nil
}

func render(name string, data any) (string, string, error) {
	var md bytes.Buffer
	if err := templates.ExecuteTemplate(&md, name, data); err != nil {
		return "", "", fmt.Errorf("rendering %s: %w", name, err)
	}
	var html bytes.Buffer
	if err := goldmark.Convert(md.Bytes(), &html); err != nil {
		return "", "", fmt.Errorf("converting %s to html: %w", name, err)
	}
	return md.String(), html.String(), nil
}
