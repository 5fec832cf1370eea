package observe

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// uiNode mirrors the <node> elements of a uiautomator dump. The hierarchy
// nests arbitrarily deep.
type uiNode struct {
	Bounds      string   `xml:"bounds,attr"`
	Text        string   `xml:"text,attr"`
	ResourceID  string   `xml:"resource-id,attr"`
	Class       string   `xml:"class,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Clickable   string   `xml:"clickable,attr"`
	Children    []uiNode `xml:"node"`
}

type uiHierarchy struct {
	Nodes []uiNode `xml:"node"`
}

var boundsRe = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// ParseUIHierarchy parses a uiautomator XML dump into an ordered element
// list (depth-first, matching on-screen stacking order).
func ParseUIHierarchy(data string) ([]UIElement, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("empty ui dump")
	}

	var root uiHierarchy
	if err := xml.Unmarshal([]byte(data), &root); err != nil {
		return nil, fmt.Errorf("parsing ui dump: %w", err)
	}

	var elements []UIElement
	var walk func(n uiNode)
	walk = func(n uiNode) {
		if el, ok := toElement(n); ok {
			elements = append(elements, el)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, n := range root.Nodes {
		walk(n)
	}
	return elements, nil
}

func toElement(n uiNode) (UIElement, bool) {
	m := boundsRe.FindStringSubmatch(n.Bounds)
	if m == nil {
		return UIElement{}, false
	}
	var bounds [4]int
	for i := 0; i < 4; i++ {
		bounds[i], _ = strconv.Atoi(m[i+1])
	}
	return UIElement{
		Bounds:      bounds,
		Text:        n.Text,
		ResourceID:  n.ResourceID,
		Class:       n.Class,
		ContentDesc: n.ContentDesc,
		Clickable:   n.Clickable == "true",
	}, true
}
