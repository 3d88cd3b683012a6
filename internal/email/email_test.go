package email

import (
	"bytes"
	"net/smtp"
	"strings"
	"testing"
)

func TestSendConversationInviteMock(t *testing.T) {
	var out bytes.Buffer
	s := NewSender("", "587", "", "", "noreply@example.com")
	s.Out = &out

	if err := s.SendConversationInvite("b@x.com", "Alice", "Project"); err != nil {
		t.Fatalf("SendConversationInvite failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "MOCK EMAIL TO: b@x.com") {
		t.Errorf("Missing recipient in mock output: %s", got)
	}
	if !strings.Contains(got, "Alice added you to Project") {
		t.Errorf("Missing subject in mock output: %s", got)
	}
}

func TestSendConversationInviteSMTP(t *testing.T) {
	s := NewSender("smtp.example.com", "2525", "user", "pass", "noreply@example.com")

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	if err := s.SendConversationInvite("b@x.com", "Alice", ""); err != nil {
		t.Fatalf("SendConversationInvite failed: %v", err)
	}
	if gotAddr != "smtp.example.com:2525" {
		t.Errorf("Unexpected addr %s", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "b@x.com" {
		t.Errorf("Unexpected recipients %v", gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: Alice started a conversation with you\r\n") {
		t.Errorf("Missing subject header: %s", msg)
	}
	if !strings.Contains(msg, "a conversation") {
		t.Errorf("Missing body: %s", msg)
	}
}
