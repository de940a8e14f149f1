package emailer

import (
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderJobFailureProducesMatchingTextAndHTML(t *testing.T) {
	data := map[string]any{
		"Workflow": "etl", "Instance": "1", "Job": "load", "ExitCode": 2,
		"UIHost": "pinwheel.example", "UIPort": "8080",
	}
	text, html, err := render(jobFailureText, jobFailureHTML, data)
	require.NoError(t, err)
	require.Contains(t, text, "Job load execution in workflow etl instance 1 finished with exit code 2")
	require.Contains(t, html, "<b>2</b>")
	require.Contains(t, html, "http://pinwheel.example:8080/executions/")
}

func TestRenderInstanceEndEscapesHTML(t *testing.T) {
	data := map[string]any{
		"Workflow": "<script>", "Instance": "1", "Status": "SUCCESS", "StatusColor": "lightgreen",
		"UIHost": "h", "UIPort": "1",
	}
	_, html, err := render(instanceEndText, instanceEndHTML, data)
	require.NoError(t, err)
	require.NotContains(t, html, "<script>")
	require.Contains(t, html, "&lt;script&gt;")
}

func TestBuildMessageProducesMultipartAlternativeWithHTMLLast(t *testing.T) {
	msg, err := buildMessage("pinwheel@example.com", []string{"ops@example.com"}, "subject here", "plain body", "<p>html body</p>")
	require.NoError(t, err)

	headerEnd := strings.Index(string(msg), "\r\n\r\n")
	require.NotEqual(t, -1, headerEnd)
	header := string(msg[:headerEnd])
	require.Contains(t, header, "From: pinwheel@example.com")
	require.Contains(t, header, "To: ops@example.com")
	require.Contains(t, header, "Subject: subject here")
	require.Contains(t, header, "MIME-Version: 1.0")

	_, params, err := mime.ParseMediaType(headerValue(header, "Content-Type"))
	require.NoError(t, err)
	require.NotEmpty(t, params["boundary"])

	mr := multipart.NewReader(strings.NewReader(string(msg[headerEnd+4:])), params["boundary"])

	textPart, err := mr.NextPart()
	require.NoError(t, err)
	require.Contains(t, textPart.Header.Get("Content-Type"), "text/plain")
	textBody := readAll(t, textPart)
	require.Equal(t, "plain body", textBody)

	htmlPart, err := mr.NextPart()
	require.NoError(t, err)
	require.Contains(t, htmlPart.Header.Get("Content-Type"), "text/html")
	htmlBody := readAll(t, htmlPart)
	require.Equal(t, "<p>html body</p>", htmlBody)

	_, err = mr.NextPart()
	require.Error(t, err, "exactly two parts: text first, html last")
}

func TestBuildMessageOmitsHTMLPartWhenHTMLEmpty(t *testing.T) {
	msg, err := buildMessage("a@example.com", []string{"b@example.com"}, "s", "plain only", "")
	require.NoError(t, err)

	headerEnd := strings.Index(string(msg), "\r\n\r\n")
	_, params, err := mime.ParseMediaType(headerValue(string(msg[:headerEnd]), "Content-Type"))
	require.NoError(t, err)

	mr := multipart.NewReader(strings.NewReader(string(msg[headerEnd+4:])), params["boundary"])
	_, err = mr.NextPart()
	require.NoError(t, err)
	_, err = mr.NextPart()
	require.Error(t, err, "no html part when html is empty")
}

func headerValue(header, key string) string {
	for _, line := range strings.Split(header, "\r\n") {
		if strings.HasPrefix(line, key+": ") {
			return strings.TrimPrefix(line, key+": ")
		}
	}
	return ""
}

func readAll(t *testing.T, p *multipart.Part) string {
	t.Helper()
	var b strings.Builder
	buf := make([]byte, 512)
	for {
		n, err := p.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return b.String()
}
