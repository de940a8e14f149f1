// Package emailer sends the operator-facing notification emails the
// scheduler and worker raise: timeout warnings, job/instance failure
// notices, and the "too many running instances" guard (spec.md §4.6,
// §4.7, §7), grounded on original_source's pinball/workflow/emailer.py,
// whose _send_message builds a MIMEMultipart('alternative') message with
// a text/plain part and a text/html part, the html part attached last per
// RFC 2046 ("last part ... is best and preferred").
package emailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	texttemplate "text/template"
)

// Emailer sends the small fixed set of notifications the orchestrator
// raises on its own behalf. A send failure is returned as an error; the
// worker and scheduler log it and continue job/schedule processing
// whether or not the email went out.
type Emailer interface {
	SendJobFailure(to []string, workflow, instance, job string, exitCode int) error
	SendJobTimeoutWarning(to []string, workflow, instance, job string) error
	SendTooManyRunningInstances(to []string, workflow string, running, max int) error
	SendInstanceEnd(to []string, workflow, instance string, succeeded bool) error
}

// SMTP sends mail through a local SMTP relay, matching the original
// implementation's smtplib.SMTP('localhost') behavior.
type SMTP struct {
	// Addr is the SMTP server address, e.g. "localhost:25".
	Addr string
	// From is the envelope and header From address.
	From string
	// UIHost/UIPort build the "details are available at" links the
	// original implementation includes in every message.
	UIHost string
	UIPort string
}

var _ Emailer = (*SMTP)(nil)

// textTemplates and htmlTemplates are paired by notification kind, each
// rendered from the same data so the two parts of the multipart/
// alternative message describe the same event.
var (
	jobFailureText = texttemplate.Must(texttemplate.New("job_failure").Parse(
		`Job {{.Job}} execution in workflow {{.Workflow}} instance {{.Instance}} finished with exit code {{.ExitCode}}.

Details are available at http://{{.UIHost}}:{{.UIPort}}/executions/?workflow={{.Workflow}}&instance={{.Instance}}&job={{.Job}}
`))
	jobFailureHTML = htmltemplate.Must(htmltemplate.New("job_failure").Parse(
		`<html><body>
<p>Job {{.Job}} execution in workflow {{.Workflow}} instance {{.Instance}} finished with exit code <b>{{.ExitCode}}</b>.</p>
<p>Click <a href="http://{{.UIHost}}:{{.UIPort}}/executions/?workflow={{.Workflow}}&instance={{.Instance}}&job={{.Job}}">here</a> for details.</p>
</body></html>
`))

	jobTimeoutText = texttemplate.Must(texttemplate.New("job_timeout").Parse(
		`Job {{.Job}} execution in workflow {{.Workflow}} instance {{.Instance}} reached its timeout.

Details are available at http://{{.UIHost}}:{{.UIPort}}/executions/?workflow={{.Workflow}}&instance={{.Instance}}&job={{.Job}}
`))
	jobTimeoutHTML = htmltemplate.Must(htmltemplate.New("job_timeout").Parse(
		`<html><body>
<p>Job {{.Job}} execution in workflow {{.Workflow}} instance {{.Instance}} reached its timeout.</p>
<p>Click <a href="http://{{.UIHost}}:{{.UIPort}}/executions/?workflow={{.Workflow}}&instance={{.Instance}}&job={{.Job}}">here</a> for details.</p>
</body></html>
`))

	tooManyInstancesText = texttemplate.Must(texttemplate.New("too_many_instances").Parse(
		`There are {{.Running}} instances running at once for workflow {{.Workflow}}, exceeding the threshold of {{.Max}}.

Details are available at http://{{.UIHost}}:{{.UIPort}}/instances/?workflow={{.Workflow}}
`))
	tooManyInstancesHTML = htmltemplate.Must(htmltemplate.New("too_many_instances").Parse(
		`<html><body>
<p>There are <b>{{.Running}}</b> instances running at once for workflow {{.Workflow}}, exceeding the threshold of {{.Max}}.</p>
<p>Click <a href="http://{{.UIHost}}:{{.UIPort}}/instances/?workflow={{.Workflow}}">here</a> for details.</p>
</body></html>
`))

	instanceEndText = texttemplate.Must(texttemplate.New("instance_end").Parse(
		`Workflow {{.Workflow}} instance {{.Instance}} finished with status {{.Status}}.

Details are available at http://{{.UIHost}}:{{.UIPort}}/jobs/?workflow={{.Workflow}}&instance={{.Instance}}
`))
	instanceEndHTML = htmltemplate.Must(htmltemplate.New("instance_end").Parse(
		`<html><body>
<p>Workflow {{.Workflow}} instance {{.Instance}} finished with status <span style="background-color:{{.StatusColor}};">{{.Status}}</span>.</p>
<p>Click <a href="http://{{.UIHost}}:{{.UIPort}}/jobs/?workflow={{.Workflow}}&instance={{.Instance}}">here</a> for details.</p>
</body></html>
`))
)

func (e *SMTP) SendJobFailure(to []string, workflow, instance, job string, exitCode int) error {
	data := map[string]any{
		"Workflow": workflow, "Instance": instance, "Job": job, "ExitCode": exitCode,
		"UIHost": e.UIHost, "UIPort": e.UIPort,
	}
	text, html, err := render(jobFailureText, jobFailureHTML, data)
	if err != nil {
		return fmt.Errorf("emailer: render job failure: %w", err)
	}
	subject := fmt.Sprintf("Workflow %s's job %s finished with exit code %d", workflow, job, exitCode)
	return e.send(subject, to, text, html)
}

func (e *SMTP) SendJobTimeoutWarning(to []string, workflow, instance, job string) error {
	data := map[string]any{
		"Workflow": workflow, "Instance": instance, "Job": job,
		"UIHost": e.UIHost, "UIPort": e.UIPort,
	}
	text, html, err := render(jobTimeoutText, jobTimeoutHTML, data)
	if err != nil {
		return fmt.Errorf("emailer: render job timeout: %w", err)
	}
	subject := fmt.Sprintf("Workflow %s's job %s exceeded timeout", workflow, job)
	return e.send(subject, to, text, html)
}

func (e *SMTP) SendTooManyRunningInstances(to []string, workflow string, running, max int) error {
	data := map[string]any{
		"Workflow": workflow, "Running": running, "Max": max,
		"UIHost": e.UIHost, "UIPort": e.UIPort,
	}
	text, html, err := render(tooManyInstancesText, tooManyInstancesHTML, data)
	if err != nil {
		return fmt.Errorf("emailer: render too-many-instances: %w", err)
	}
	subject := fmt.Sprintf("Too many (%d) instances running for workflow %s!", running, workflow)
	return e.send(subject, to, text, html)
}

func (e *SMTP) SendInstanceEnd(to []string, workflow, instance string, succeeded bool) error {
	status, color := "SUCCESS", "lightgreen"
	if !succeeded {
		status, color = "FAILURE", "lightcoral"
	}
	data := map[string]any{
		"Workflow": workflow, "Instance": instance, "Status": status, "StatusColor": color,
		"UIHost": e.UIHost, "UIPort": e.UIPort,
	}
	text, html, err := render(instanceEndText, instanceEndHTML, data)
	if err != nil {
		return fmt.Errorf("emailer: render instance end: %w", err)
	}
	subject := fmt.Sprintf("%s for workflow %s", status, workflow)
	return e.send(subject, to, text, html)
}

func render(text *texttemplate.Template, html *htmltemplate.Template, data map[string]any) (string, string, error) {
	var textBuf, htmlBuf bytes.Buffer
	if err := text.Execute(&textBuf, data); err != nil {
		return "", "", fmt.Errorf("text: %w", err)
	}
	if err := html.Execute(&htmlBuf, data); err != nil {
		return "", "", fmt.Errorf("html: %w", err)
	}
	return textBuf.String(), htmlBuf.String(), nil
}

// send builds a multipart/alternative message carrying both renderings and
// relays it through the configured SMTP server.
func (e *SMTP) send(subject string, to []string, text, html string) error {
	msg, err := buildMessage(e.From, to, subject, text, html)
	if err != nil {
		return err
	}
	return smtp.SendMail(e.Addr, nil, e.From, to, msg)
}

// buildMessage assembles the RFC822 headers and multipart/alternative body.
// The text part is attached first and the html part last, mirroring
// _send_message's ordering (RFC 2046: the last alternative is preferred).
func buildMessage(from string, to []string, subject, text, html string) ([]byte, error) {
	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", `text/plain; charset="utf-8"`)
	textPart, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("emailer: create text part: %w", err)
	}
	if _, err := textPart.Write([]byte(text)); err != nil {
		return nil, fmt.Errorf("emailer: write text part: %w", err)
	}

	if html != "" {
		htmlHeader := textproto.MIMEHeader{}
		htmlHeader.Set("Content-Type", `text/html; charset="utf-8"`)
		htmlPart, err := mw.CreatePart(htmlHeader)
		if err != nil {
			return nil, fmt.Errorf("emailer: create html part: %w", err)
		}
		if _, err := htmlPart.Write([]byte(html)); err != nil {
			return nil, fmt.Errorf("emailer: write html part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("emailer: close multipart writer: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	msg.Write(parts.Bytes())

	return msg.Bytes(), nil
}

// Noop discards every notification; used in tests and in deployments that
// run without a configured mail relay.
type Noop struct{}

var _ Emailer = Noop{}

func (Noop) SendJobFailure(to []string, workflow, instance, job string, exitCode int) error {
	return nil
}

func (Noop) SendJobTimeoutWarning(to []string, workflow, instance, job string) error { return nil }

func (Noop) SendTooManyRunningInstances(to []string, workflow string, running, max int) error {
	return nil
}

func (Noop) SendInstanceEnd(to []string, workflow, instance string, succeeded bool) error {
	return nil
}
