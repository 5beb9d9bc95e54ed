package channel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Card element types for Feishu interactive messages. A message card is a
// flat list of markdown blocks and table blocks, in original text order.

type markdownElement struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type tableColumn struct {
	Tag         string `json:"tag"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Width       string `json:"width"`
}

type tableElement struct {
	Tag      string              `json:"tag"`
	PageSize int                 `json:"page_size"`
	Columns  []tableColumn       `json:"columns"`
	Rows     []map[string]string `json:"rows"`
}

type cardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type cardPayload struct {
	Config   cardConfig `json:"config"`
	Elements []any      `json:"elements"`
}

// buildCard renders content into the interactive-card request body.
func buildCard(content string) ([]byte, error) {
	return json.Marshal(cardPayload{
		Config:   cardConfig{WideScreenMode: true},
		Elements: buildCardElements(content),
	})
}

// buildCardElements splits content into markdown and table elements. A table
// is one header row bounded by pipes, one separator row, then one or more
// data rows, matched non-overlapping left to right. Anything that fails to
// parse as a table degrades to a markdown block instead of aborting.
func buildCardElements(content string) []any {
	lines := strings.Split(content, "\n")
	var elements []any
	var plain []string

	flushPlain := func() {
		text := strings.TrimSpace(strings.Join(plain, "\n"))
		plain = plain[:0]
		if text != "" {
			elements = append(elements, markdownElement{Tag: "markdown", Content: text})
		}
	}

	i := 0
	for i < len(lines) {
		if isPipeRow(lines[i]) && i+2 < len(lines) && isSeparatorRow(lines[i+1]) && isPipeRow(lines[i+2]) {
			flushPlain()
			end := i + 2
			for end < len(lines) && isPipeRow(lines[end]) {
				end++
			}
			raw := strings.Join(lines[i:end], "\n")
			if table, ok := parseTable(lines[i], lines[i+2:end]); ok {
				elements = append(elements, table)
			} else {
				elements = append(elements, markdownElement{Tag: "markdown", Content: raw})
			}
			i = end
			continue
		}
		plain = append(plain, lines[i])
		i++
	}
	flushPlain()

	if len(elements) == 0 {
		elements = append(elements, markdownElement{Tag: "markdown", Content: content})
	}
	return elements
}

// isPipeRow reports whether the line is a pipe-bounded cell row with at
// least one character between the pipes.
func isPipeRow(line string) bool {
	line = strings.TrimSpace(line)
	return len(line) >= 3 && strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|")
}

// isSeparatorRow matches the header/body delimiter: pipe-bounded cells made
// only of dashes, colons, and whitespace, with at least one dash.
func isSeparatorRow(line string) bool {
	line = strings.TrimSpace(line)
	if !isPipeRow(line) {
		return false
	}
	dashes := 0
	for _, r := range line[1 : len(line)-1] {
		switch r {
		case '-':
			dashes++
		case ':', '|', ' ', '\t':
		default:
			return false
		}
	}
	return dashes > 0
}

// parseTable converts a matched header and data rows into a table element.
// Columns are named c0, c1, ... with the header text as display name; short
// rows are padded with empty cells.
func parseTable(header string, dataLines []string) (tableElement, bool) {
	headers := splitRow(header)
	if len(headers) == 0 {
		return tableElement{}, false
	}

	columns := make([]tableColumn, len(headers))
	for i, h := range headers {
		columns[i] = tableColumn{
			Tag:         "column",
			Name:        fmt.Sprintf("c%d", i),
			DisplayName: h,
			Width:       "auto",
		}
	}

	rows := make([]map[string]string, 0, len(dataLines))
	for _, line := range dataLines {
		cells := splitRow(line)
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(cells) {
				row[col.Name] = cells[i]
			} else {
				row[col.Name] = ""
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return tableElement{}, false
	}

	return tableElement{
		Tag:      "table",
		PageSize: len(rows) + 1,
		Columns:  columns,
		Rows:     rows,
	}, true
}

func splitRow(line string) []string {
	line = strings.Trim(strings.TrimSpace(line), "|")
	cells := strings.Split(line, "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}
