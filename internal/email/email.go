package email

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/smtp"
	"os"
	"sort"
	"strings"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// Out receives mock emails when no Host is configured.
	Out io.Writer

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(host, port, username, password, from string) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Out:      os.Stdout,
		send:     smtp.SendMail,
	}
}

var invitationTemplate = template.Must(template.New("invitation").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #6200ee; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>New conversation</h1>
        </div>
        <div class="content">
            <p>Hi,</p>
            <p>{{.Inviter}} added you to {{if .Name}}the conversation <strong>{{.Name}}</strong>{{else}}a conversation{{end}}.</p>
            <p>Sign in to read and reply to messages.</p>
        </div>
        <div class="footer">
            <p>You received this email because you have no open chat session.</p>
        </div>
    </div>
</body>
</html>
`))

// SendConversationInvite tells to that inviter started a conversation with
// them. name is empty for direct conversations.
func (s *Sender) SendConversationInvite(to, inviter, name string) error {
	var body bytes.Buffer
	if err := invitationTemplate.Execute(&body, map[string]string{"Inviter": inviter, "Name": name}); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	subject := fmt.Sprintf("%s started a conversation with you", inviter)
	if name != "" {
		subject = fmt.Sprintf("%s added you to %s", inviter, name)
	}

	// Email headers
	headers := map[string]string{
		"From":         s.From,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=\"UTF-8\"",
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var message strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&message, "%s: %s\r\n", k, headers[k])
	}
	message.WriteString("\r\n" + body.String())

	// If no host is configured, just print it (for development/demo purposes)
	if s.Host == "" {
		out := s.Out
		if out == nil {
			out = io.Discard
		}
		fmt.Fprintln(out, "==================================================")
		fmt.Fprintf(out, "MOCK EMAIL TO: %s\n", to)
		fmt.Fprintf(out, "SUBJECT: %s\n", subject)
		fmt.Fprintln(out, body.String())
		fmt.Fprintln(out, "==================================================")
		return nil
	}

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	return send(addr, auth, s.From, []string{to}, []byte(message.String()))
}
