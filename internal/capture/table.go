package capture

import (
	"errors"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseTable extracts header names and body rows from a table's outer HTML.
// Headers come from the first row containing <th> cells, or the first row when
// there is none. Rows without any <td> are skipped.
func ParseTable(src string) (headers []string, rows [][]string, err error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, nil, err
	}

	var trs []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			trs = append(trs, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if len(trs) == 0 {
		return nil, nil, errors.New("table has no rows")
	}

	headerRow := -1
	for i, tr := range trs {
		if len(cells(tr, atom.Th)) > 0 {
			headerRow = i
			break
		}
	}
	if headerRow >= 0 {
		headers = cells(trs[headerRow], atom.Th)
	} else {
		headerRow = 0
		headers = cells(trs[0], atom.Td)
	}
	if len(headers) == 0 {
		return nil, nil, errors.New("table has no header cells")
	}

	for i, tr := range trs {
		if i == headerRow {
			continue
		}
		if row := cells(tr, atom.Td); len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return headers, rows, nil
}

func cells(tr *html.Node, a atom.Atom) []string {
	var out []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, collapse(textOf(c)))
		}
	}
	return out
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
