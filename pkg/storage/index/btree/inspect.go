package btree

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"crabdb/pkg/primitives"
)

// Styles for the structural dump; adaptive so the output reads well on light
// and dark terminals.
var (
	internalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#5FAFD7"}).
			Bold(true)
	leafStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#5F8700", Dark: "#87D75F"})
	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"})
)

// Dump renders the tree's structure to w, one node per line, indented by
// depth. Keys are rendered with the int64 codec, which is how the seed and
// inspect tooling builds them. Not safe against concurrent writers; intended
// for tooling and debugging sessions.
func (t *BPlusTree) Dump(w io.Writer) error {
	root := t.RootPageID()
	if root == primitives.InvalidPageID {
		fmt.Fprintln(w, metaStyle.Render("(empty tree)"))
		return nil
	}
	return t.dumpNode(w, root, 0)
}

func (t *BPlusTree) dumpNode(w io.Writer, pid primitives.PageID, depth int) error {
	pg, err := t.bpm.FetchPage(pid)
	if err != nil {
		return err
	}
	defer t.bpm.UnpinPage(pid, false)
	pg.RLatch()
	defer pg.RUnlatch()

	indent := strings.Repeat("  ", depth)
	view := nodeView{page: pg, keySize: t.keySize}

	if view.isLeaf() {
		leaf := asLeaf(pg, t.keySize)
		keys := make([]string, leaf.size())
		for i := range keys {
			keys[i] = fmt.Sprintf("%d", Int64FromKey(leaf.keyAt(i)))
		}
		fmt.Fprintf(w, "%s%s %s %s\n",
			indent,
			leafStyle.Render(fmt.Sprintf("leaf %d", pid)),
			metaStyle.Render(fmt.Sprintf("(size %d/%d, next %d)", leaf.size(), leaf.maxSize(), leaf.next())),
			"["+strings.Join(keys, " ")+"]")
		return nil
	}

	internal := asInternal(pg, t.keySize)
	seps := make([]string, 0, internal.size()-1)
	for i := 1; i < internal.size(); i++ {
		seps = append(seps, fmt.Sprintf("%d", Int64FromKey(internal.keyAt(i))))
	}
	fmt.Fprintf(w, "%s%s %s %s\n",
		indent,
		internalStyle.Render(fmt.Sprintf("internal %d", pid)),
		metaStyle.Render(fmt.Sprintf("(size %d/%d)", internal.size(), internal.maxSize())),
		"{"+strings.Join(seps, " ")+"}")

	for i := 0; i < internal.size(); i++ {
		if err := t.dumpNode(w, internal.childAt(i), depth+1); err != nil {
			return err
		}
	}
	return nil
}
