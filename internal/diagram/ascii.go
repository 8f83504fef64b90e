package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "suspended":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII draws g level by level with box-drawing characters. Levels
// whose steps fan in from more than one parent are followed by the list of
// dependencies, since the boxes alone cannot show them.
func RenderASCII(g *Graph) string {
	var b strings.Builder

	if g.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", g.Title)
	}

	for levelIdx, level := range g.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := g.Node(nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}
		renderBoxRow(&b, boxes)

		if levelIdx < len(g.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	if deps := fanIn(g); len(deps) > 0 {
		b.WriteString("\n--- dependencies ---\n")
		for _, e := range deps {
			label := ""
			if e.Label != "" {
				label = " [" + e.Label + "]"
			}
			fmt.Fprintf(&b, "  %s \u2500\u2192 %s%s\n", e.From, e.To, label)
		}
	}

	return b.String()
}

// fanIn returns edges between real steps when the graph is not a simple chain.
func fanIn(g *Graph) []Edge {
	chain := true
	for _, level := range g.Levels {
		if len(level) > 1 {
			chain = false
			break
		}
	}
	if chain {
		return nil
	}
	var out []Edge
	for _, e := range g.Edges {
		if e.From != StartID && e.To != EndID {
			out = append(out, e)
		}
	}
	return out
}

// asciiBox holds the rendered lines of a single box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox creates an ASCII box for a node.
func makeBox(node *Node) asciiBox {
	// Build content lines.
	var contentLines []string

	label := firstLine(node.Label)
	contentLines = append(contentLines, label)

	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.AgentID != "" {
			contentLines = append(contentLines, "@"+node.Status.AgentID)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	// Calculate width.
	maxLen := 0
	for _, line := range contentLines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	// Build box lines.
	var lines []string
	top := "\u250c" + strings.Repeat("\u2500", width-2) + "\u2510"
	bot := "\u2514" + strings.Repeat("\u2500", width-2) + "\u2518"
	lines = append(lines, top)
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len(content))
		lines = append(lines, "\u2502 "+padded+" \u2502")
	}
	lines = append(lines, bot)

	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	// Find max height.
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	// Render line by line.
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ") // gap between boxes
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// renderConnector draws a vertical connector between levels.
func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	// Simple center connector.
	b.WriteString("       \u2502\n")
	b.WriteString("       \u25bc\n")
}
