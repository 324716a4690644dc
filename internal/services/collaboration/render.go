package collaboration

import (
	"html"
	"strings"

	"contract-collab/internal/crdt"
)

var blockTags = map[string]string{
	"heading":   "h2",
	"title":     "h1",
	"quote":     "blockquote",
	"list_item": "li",
}

// RenderHTML renders the visible text as escaped HTML, one element per
// paragraph. A paragraph's tag comes from the block set on its first
// character; the first paragraph is keyed by the head.
func RenderHTML(doc *crdt.Document) string {
	blocks := make(map[crdt.ID]string)
	for _, b := range doc.Blocks() {
		blocks[b.Anchor] = b.Block
	}

	text := []rune(doc.Text())
	ids := doc.VisibleIDs()

	var sb strings.Builder
	start := 0
	anchor, anchored := crdt.Head, true
	emit := func(end int) {
		tag := ""
		if anchored {
			tag = blockTags[blocks[anchor]]
		}
		if tag == "" {
			tag = "p"
		}
		sb.WriteString("<" + tag + ">")
		sb.WriteString(html.EscapeString(string(text[start:end])))
		sb.WriteString("</" + tag + ">")
	}
	for i, r := range text {
		if r != '\n' {
			continue
		}
		emit(i)
		start = i + 1
		anchored = start < len(ids)
		if anchored {
			anchor = ids[start]
		}
	}
	if start < len(text) || len(text) == 0 || text[len(text)-1] == '\n' {
		emit(len(text))
	}
	return sb.String()
}
