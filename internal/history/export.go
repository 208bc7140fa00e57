package history

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

const (
	sheetTemplateText = `# 문제지 {{recordId}}

생성일: {{createdAt}}
문항 수: {{problemCount}}

{{problems}}`

	problemTemplateText = `## {{number}}번

{{content}}
`

	answerKeyHeader = "# 정답\n\n"
)

var (
	sheetTemplate   = fasttemplate.New(sheetTemplateText, "{{", "}}")
	problemTemplate = fasttemplate.New(problemTemplateText, "{{", "}}")
)

// ExportMarkdown renders a record as a problem sheet followed by an answer
// key, in markdown.
func ExportMarkdown(record Record) string {
	problemsText := &strings.Builder{}
	for _, problem := range record.Problems {
		problemsText.WriteString(problemTemplate.ExecuteString(map[string]any{
			"number":  strconv.Itoa(problem.Number),
			"content": problem.Content,
		}))
		if problem.Description != "" {
			problemsText.WriteString(problem.Description + "\n")
		}
		problemsText.WriteString("\n")
	}

	sheet := sheetTemplate.ExecuteString(map[string]any{
		"recordId":     record.ID,
		"createdAt":    record.CreatedAt.Format("2006-01-02 15:04"),
		"problemCount": strconv.Itoa(len(record.Problems)),
		"problems":     strings.TrimRight(problemsText.String(), "\n") + "\n",
	})

	answers := &strings.Builder{}
	answers.WriteString(answerKeyHeader)
	for _, problem := range record.Problems {
		answers.WriteString(fmt.Sprintf("%d. %s\n", problem.Number, problem.Answer))
	}

	return sheet + "\n" + answers.String()
}
