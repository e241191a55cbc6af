package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV scheduling bodies
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
)

var prefixes = map[string]string{
	DAV:    "D",
	CalDAV: "C",
}

// Prefix returns the element prefix used for a namespace, or "" when the
// namespace is not one of ours.
func Prefix(namespace string) string {
	return prefixes[namespace]
}

// AddNamespaces declares the DAV and CalDAV prefixes on the document root
func AddNamespaces(doc *etree.Document) {
	root := doc.Root()
	if root == nil {
		return
	}
	root.CreateAttr("xmlns:D", DAV)
	root.CreateAttr("xmlns:C", CalDAV)
}
