package bpmn

import (
	"encoding/xml"
	"os"
	"strings"

	"bpmn.evalgo.org/common"
)

// Namespace is the BPMN 2.0 model namespace recognized elements must carry.
const Namespace = "http://www.omg.org/spec/BPMN/20100524/MODEL"

// xmlElement is a generic XML node. The parser unmarshals the whole document
// into this tree and walks it, which keeps document order for process
// children and lets sequence flows be collected from anywhere under the
// definitions root.
type xmlElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Children []xmlElement `xml:",any"`
	Text     string       `xml:",chardata"`
}

func (e *xmlElement) attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func (e *xmlElement) isBPMN(local string) bool {
	return e.XMLName.Space == Namespace && e.XMLName.Local == local
}

// Parse converts BPMN XML into a validated Process. It is a pure function
// over the input bytes: it either returns a fully built graph or an error,
// never a partially populated one. Only the first process element of the
// document is parsed; sequence flows are collected document-wide.
func Parse(data []byte) (*Process, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, common.NewError(common.KindValidation, "empty process definition")
	}

	var root xmlElement
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, common.WrapError(common.KindParse, err, "malformed BPMN XML")
	}

	processNode := findFirst(&root, "process")
	if processNode == nil {
		return nil, common.NewError(common.KindParse, "no process definition found")
	}

	p := &Process{
		id:       processNode.attr("id"),
		name:     processNode.attr("name"),
		elements: make(map[string]Element),
		flows:    make(map[string]SequenceFlow),
		outgoing: make(map[string][]SequenceFlow),
		incoming: make(map[string][]SequenceFlow),
	}

	if err := parseProcessChildren(processNode, p); err != nil {
		return nil, err
	}

	var flowNodes []*xmlElement
	collect(&root, "sequenceFlow", &flowNodes)
	for _, node := range flowNodes {
		if err := addSequenceFlow(node, p); err != nil {
			return nil, err
		}
	}

	if err := validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseFile reads and parses a BPMN definition from disk.
func ParseFile(path string) (*Process, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, err, "read BPMN file %s", path)
	}
	return Parse(data)
}

func parseProcessChildren(processNode *xmlElement, p *Process) error {
	for i := range processNode.Children {
		child := &processNode.Children[i]
		if child.XMLName.Local == "" {
			continue
		}

		switch child.XMLName.Local {
		case "startEvent":
			if err := addElement(p, element(child, ElementStartEvent)); err != nil {
				return err
			}
		case "endEvent":
			if err := addElement(p, element(child, ElementEndEvent)); err != nil {
				return err
			}
		case "userTask":
			el := element(child, ElementUserTask)
			el.FormKey = child.attr("formKey")
			el.Assignee = child.attr("assignee")
			el.FormFields = formFields(child)
			if err := addElement(p, el); err != nil {
				return err
			}
		case "serviceTask":
			el := element(child, ElementServiceTask)
			el.ClassName = child.attr("class")
			el.Expression = child.attr("expression")
			el.Topic = child.attr("topic")
			if err := addElement(p, el); err != nil {
				return err
			}
		case "parallelGateway":
			if err := addElement(p, element(child, ElementParallelGateway)); err != nil {
				return err
			}
		case "exclusiveGateway":
			el := element(child, ElementExclusiveGateway)
			el.DefaultFlow = child.attr("default")
			if err := addElement(p, el); err != nil {
				return err
			}
		case "sequenceFlow":
			// Collected by document scan after the process children.
		default:
			return common.NewError(common.KindParse,
				"unsupported element type %q in process %q", child.XMLName.Local, p.id)
		}
	}
	return nil
}

func element(node *xmlElement, t ElementType) Element {
	return Element{
		ID:   node.attr("id"),
		Name: node.attr("name"),
		Type: t,
	}
}

func addElement(p *Process, el Element) error {
	if el.ID == "" {
		return common.NewError(common.KindParse,
			"element of type %q has no id", el.Type)
	}
	if _, exists := p.elements[el.ID]; exists {
		return common.NewError(common.KindInvalidDefinition,
			"duplicate element id %q", el.ID)
	}
	p.elements[el.ID] = el
	return nil
}

func addSequenceFlow(node *xmlElement, p *Process) error {
	flow := SequenceFlow{
		ID:        node.attr("id"),
		Name:      node.attr("name"),
		SourceRef: node.attr("sourceRef"),
		TargetRef: node.attr("targetRef"),
	}
	if flow.ID == "" || flow.SourceRef == "" || flow.TargetRef == "" {
		return common.NewError(common.KindParse,
			"sequence flow %q missing id, sourceRef, or targetRef", flow.ID)
	}
	if _, exists := p.flows[flow.ID]; exists {
		return common.NewError(common.KindInvalidDefinition,
			"duplicate sequence flow id %q", flow.ID)
	}
	for i := range node.Children {
		if node.Children[i].XMLName.Local == "conditionExpression" {
			flow.ConditionExpression = strings.TrimSpace(node.Children[i].Text)
			break
		}
	}

	p.flows[flow.ID] = flow
	p.outgoing[flow.SourceRef] = append(p.outgoing[flow.SourceRef], flow)
	p.incoming[flow.TargetRef] = append(p.incoming[flow.TargetRef], flow)
	return nil
}

// formFields extracts formField descriptors nested anywhere under a user
// task (typically inside extensionElements / formData).
func formFields(node *xmlElement) map[string]string {
	var nodes []*xmlElement
	collectLocal(node, "formField", &nodes)
	if len(nodes) == 0 {
		return nil
	}
	fields := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if id := n.attr("id"); id != "" {
			fields[id] = n.attr("type")
		}
	}
	return fields
}

func validate(p *Process) error {
	if p.id == "" {
		return common.NewError(common.KindInvalidDefinition, "process has no id")
	}

	var starts []string
	for id, el := range p.elements {
		if el.Type == ElementStartEvent {
			starts = append(starts, id)
		}
	}
	switch len(starts) {
	case 0:
		return common.NewError(common.KindInvalidDefinition,
			"process %q has no start event", p.id)
	case 1:
		p.startEventID = starts[0]
	default:
		return common.NewError(common.KindInvalidDefinition,
			"process %q has %d start events, expected exactly one", p.id, len(starts))
	}

	for id, flow := range p.flows {
		if _, ok := p.elements[flow.SourceRef]; !ok {
			return common.NewError(common.KindInvalidDefinition,
				"sequence flow %q references unknown source %q", id, flow.SourceRef)
		}
		if _, ok := p.elements[flow.TargetRef]; !ok {
			return common.NewError(common.KindInvalidDefinition,
				"sequence flow %q references unknown target %q", id, flow.TargetRef)
		}
	}
	return nil
}

// findFirst returns the first element with the given BPMN local name in
// document order, or nil.
func findFirst(node *xmlElement, local string) *xmlElement {
	if node.isBPMN(local) {
		return node
	}
	for i := range node.Children {
		if found := findFirst(&node.Children[i], local); found != nil {
			return found
		}
	}
	return nil
}

// collect appends every element with the given BPMN local name, walking the
// tree in document order.
func collect(node *xmlElement, local string, out *[]*xmlElement) {
	if node.isBPMN(local) {
		*out = append(*out, node)
		return
	}
	for i := range node.Children {
		collect(&node.Children[i], local, out)
	}
}

// collectLocal is collect without the namespace requirement; extension
// vocabularies (camunda form fields) live outside the BPMN namespace.
func collectLocal(node *xmlElement, local string, out *[]*xmlElement) {
	if node.XMLName.Local == local {
		*out = append(*out, node)
		return
	}
	for i := range node.Children {
		collectLocal(&node.Children[i], local, out)
	}
}
