package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/disiqueira/gotree/v3"

	"github.com/ssd-technologies/nimbus/internal/storage"
)

func treeCmd(c *client, args []string, out, errOut io.Writer) error {
	flags := flag.NewFlagSet("tree", flag.ContinueOnError)
	flags.SetOutput(errOut)
	depth := flags.Int("depth", 16, "how many levels to descend")
	if len(args) == 0 {
		return errors.New("tree needs a storage id")
	}
	id := args[0]
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	var root storage.FileInfo
	path := "/storage/" + url.PathEscape(id) + "/0?depth=" + strconv.Itoa(*depth)
	if err := c.do(http.MethodGet, path, &root); err != nil {
		return err
	}
	io.WriteString(out, renderTree(id, root, c.styled))
	return nil
}

// renderTree draws the children of root below a node labelled with the
// storage id and revision.
func renderTree(id string, root storage.FileInfo, styled bool) string {
	t := gotree.New(fmt.Sprintf("%s (rev %d)", bold(styled, id), root.StorageRev))
	addChildren(t, root.Children, styled)
	return t.Print()
}

func addChildren(t gotree.Tree, children []storage.FileInfo, styled bool) {
	for _, f := range children {
		if f.Mimetype == storage.DirectoryMimetype {
			addChildren(t.Add(bold(styled, f.Name+"/")), f.Children, styled)
			continue
		}
		t.Add(fmt.Sprintf("%s  [%d] %s, %s, rev %d", f.Name, f.ID, f.Mimetype, humanSize(f.Size), f.Rev))
	}
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
