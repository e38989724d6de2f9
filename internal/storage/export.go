package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/michaelbrown/toolsmith/internal/llm"
)

// ExportMarkdown renders a run and its messages as a markdown document.
func ExportMarkdown(run *Run, messages []llm.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", run.Title)
	fmt.Fprintf(&b, "- **Run:** %s\n", run.ID)
	fmt.Fprintf(&b, "- **Provider:** %s\n", run.Provider)
	fmt.Fprintf(&b, "- **Model:** %s\n", run.Model)
	if run.Profile != "" {
		fmt.Fprintf(&b, "- **Profile:** %s\n", run.Profile)
	}
	fmt.Fprintf(&b, "- **Created:** %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
	b.WriteString("\n---\n\n")

	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "## You\n\n%s\n\n", m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "## Toolsmith\n\n%s\n\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.MarshalIndent(tc.Args, "", "  ")
				fmt.Fprintf(&b, "**Tool call:** `%s`\n\n```json\n%s\n```\n\n", tc.Name, args)
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "**Tool result:**\n\n```\n%s\n```\n\n", m.Content)
		}
	}

	return b.String()
}

// ExportJSON renders a run and its messages as indented JSON.
func ExportJSON(run *Run, messages []llm.Message) ([]byte, error) {
	return json.MarshalIndent(struct {
		Run      *Run          `json:"run"`
		Messages []llm.Message `json:"messages"`
	}{Run: run, Messages: messages}, "", "  ")
}

var htmlPage = template.Must(template.New("run").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// ExportHTML renders the markdown export as a standalone HTML page.
func ExportHTML(run *Run, messages []llm.Message) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))

	var body bytes.Buffer
	if err := md.Convert([]byte(ExportMarkdown(run, messages)), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	var out bytes.Buffer
	err := htmlPage.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{Title: run.Title, Body: template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}
