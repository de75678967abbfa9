package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/platform/timeouts"
)

// implicitTLSPort is the SMTPS port where the whole session is wrapped in
// TLS instead of upgrading via STARTTLS.
const implicitTLSPort = 465

type smtpTransport struct {
	host     string
	port     int
	username string
	password string
}

func newSMTPTransport(host string, port int, username, password string) *smtpTransport {
	if port <= 0 {
		port = 587
	}
	return &smtpTransport{host: host, port: port, username: username, password: password}
}

func (t *smtpTransport) name() string { return "smtp" }

func (t *smtpTransport) send(ctx context.Context, from address, msg Message) error {
	client, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(from.email); err != nil {
		return fmt.Errorf("sender %s rejected: %w", from.email, err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("recipient %s rejected: %w", msg.To, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data stream: %w", err)
	}
	if _, err := w.Write(buildMIME(from, msg)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return client.Quit()
}

func (t *smtpTransport) verify(ctx context.Context) Diagnostic {
	client, err := t.dial(ctx)
	if err != nil {
		return Diagnostic{Detail: err.Error()}
	}
	defer client.Close()

	if err := client.Quit(); err != nil {
		return Diagnostic{Detail: fmt.Sprintf("quit: %v", err)}
	}
	return Diagnostic{OK: true, Detail: fmt.Sprintf("relay %s accepted the handshake", t.host)}
}

// dial opens the session, upgrading to TLS when the relay offers it. The
// implicit-TLS port expects the connection wrapped from the first byte.
func (t *smtpTransport) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	deadline := time.Now().Add(timeouts.AdapterCall)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var conn net.Conn
	var err error
	if t.port == implicitTLSPort {
		dialer := &net.Dialer{Deadline: deadline}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: t.host})
	} else {
		conn, err = net.DialTimeout("tcp", addr, time.Until(deadline))
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", t.host, err)
	}

	if t.port != implicitTLSPort {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: t.host}); err != nil {
				client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if t.username != "" {
		auth := smtp.PlainAuth("", t.username, t.password, t.host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("authenticate %s: %w", t.username, err)
		}
	}
	return client, nil
}

// buildMIME renders the RFC 5322 message with an alternative part for each
// format the caller provided.
func buildMIME(from address, msg Message) []byte {
	var b strings.Builder
	header := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	header("From", (&netmail.Address{Name: from.name, Address: from.email}).String())
	header("To", (&netmail.Address{Name: msg.ToName, Address: msg.To}).String())
	if from.replyTo != "" {
		header("Reply-To", from.replyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")

	switch {
	case msg.HTML != "" && msg.Text != "":
		var body strings.Builder
		mw := multipart.NewWriter(&body)
		header("Content-Type", `multipart/alternative; boundary="`+mw.Boundary()+`"`)
		b.WriteString("\r\n")
		part, _ := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {`text/plain; charset="UTF-8"`}})
		part.Write([]byte(msg.Text))
		part, _ = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {`text/html; charset="UTF-8"`}})
		part.Write([]byte(msg.HTML))
		mw.Close()
		b.WriteString(body.String())
	case msg.HTML != "":
		header("Content-Type", `text/html; charset="UTF-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.HTML)
	default:
		header("Content-Type", `text/plain; charset="UTF-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.Text)
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}
