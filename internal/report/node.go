// Package report holds the hierarchical execution report of an analysis and
// the post-processing applied to it before it is forwarded.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Severity tags a report line.
type Severity string

const (
	SeverityTrace Severity = "TRACE"
	SeverityDebug Severity = "DEBUG"
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Node is one line of the report tree.
type Node struct {
	Key      string            `json:"messageKey"`
	Message  string            `json:"message"`
	Severity Severity          `json:"severity,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

// Add appends a child line and returns it.
func (n *Node) Add(key, message string, severity Severity) *Node {
	child := &Node{Key: key, Message: message, Severity: severity}
	n.Children = append(n.Children, child)
	return child
}

// Addf is Add with a formatted message.
func (n *Node) Addf(key string, severity Severity, format string, args ...any) *Node {
	return n.Add(key, fmt.Sprintf(format, args...), severity)
}

// Attach appends an existing subtree.
func (n *Node) Attach(child *Node) {
	if child != nil {
		n.Children = append(n.Children, child)
	}
}

// HasChild reports whether n has a direct child with the given key.
func (n *Node) HasChild(key string) bool {
	for _, c := range n.Children {
		if c.Key == key {
			return true
		}
	}
	return false
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the children of the visited node.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Decode reads a JSON report tree, as written by container engines.
func Decode(r io.Reader) (*Node, error) {
	var n Node
	if err := json.NewDecoder(r).Decode(&n); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &n, nil
}

// DecodeFile reads a JSON report tree from path. A missing file yields nil.
func DecodeFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Builder owns the report tree of one analysis run. It is handed from stage
// to stage and must not be shared between runs.
type Builder struct {
	root *Node
}

// NewBuilder creates a builder whose root is keyed by reporterID and
// labelled with reportType.
func NewBuilder(reporterID, reportType string) *Builder {
	if reportType == "" {
		reportType = "DynamicSecurityAnalysis"
	}
	key := reporterID
	if key == "" {
		key = reportType
	}
	return &Builder{root: &Node{
		Key:      key,
		Message:  reportType,
		Severity: SeverityInfo,
		Values:   map[string]string{"reportType": reportType},
	}}
}

// Root returns the root node.
func (b *Builder) Root() *Node {
	return b.root
}

// Section returns the direct child of the root with the given key, creating it
// if absent.
func (b *Builder) Section(key, message string) *Node {
	for _, c := range b.root.Children {
		if c.Key == key {
			return c
		}
	}
	return b.root.Add(key, message, SeverityInfo)
}

// Empty reports whether nothing was recorded under the root.
func (b *Builder) Empty() bool {
	return len(b.root.Children) == 0
}
