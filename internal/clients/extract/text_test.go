package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentText_HTML(t *testing.T) {
	doc := &Document{
		ContentType: "text/html; charset=utf-8",
		Body: []byte(`<html>
<head>
  <title>  Release Notes  </title>
  <style>body { color: red }</style>
  <script>alert("never this")</script>
</head>
<body>
  <h1>Release Notes</h1>
  <p>The parser is faster.   It also uses less memory.</p>
  <noscript>enable javascript</noscript>
</body>
</html>`),
	}

	title, text, err := doc.Text()
	require.NoError(t, err)

	assert.Equal(t, "Release Notes", title)
	assert.Contains(t, text, "The parser is faster. It also uses less memory.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "enable javascript")
}

func TestDocumentText_PlainCollapsesWhitespace(t *testing.T) {
	doc := &Document{
		ContentType: "text/plain",
		Body:        []byte("one   two\n\nthree\t four "),
	}

	title, text, err := doc.Text()
	require.NoError(t, err)
	assert.Empty(t, title)
	assert.Equal(t, "one two three four", text)
}

func TestDocumentText_MalformedPDF(t *testing.T) {
	doc := &Document{
		ContentType: "application/pdf",
		Body:        []byte("%PDF-1.4 this is not a real pdf"),
	}

	_, _, err := doc.Text()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable pdf")
}

func TestIsPDF(t *testing.T) {
	assert.True(t, isPDF("application/pdf", nil))
	assert.True(t, isPDF("text/plain", []byte("%PDF-1.7\n...")))
	assert.False(t, isPDF("text/html", []byte("<html></html>")))
}

func TestLeadingSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{
			name: "keeps first sentences",
			text: "First. Second! Third? Fourth.",
			max:  2,
			want: "First. Second!",
		},
		{
			name: "fewer sentences than limit",
			text: "Only one here.",
			max:  5,
			want: "Only one here.",
		},
		{
			name: "dot inside token does not split",
			text: "Version 1.2.3 shipped today. Next sentence.",
			max:  1,
			want: "Version 1.2.3 shipped today.",
		},
		{
			name: "question terminator at end of input",
			text: "Is this the end?",
			max:  3,
			want: "Is this the end?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, leadingSentences(tt.text, tt.max))
		})
	}
}

func TestLeadingSentences_CapsLongText(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "This sentence pads the text well past the character budget. "
	}

	got := leadingSentences(long, 500)
	assert.LessOrEqual(t, len(got), maxSummaryChars+len("…"))
	assert.Contains(t, got, "…")
}
