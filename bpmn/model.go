// Package bpmn parses BPMN 2.0 XML process definitions into an immutable
// in-memory graph. The graph is value-typed and free of executor state, so
// concurrent readers need no synchronization.
package bpmn

// ElementType tags the closed set of flow-element kinds the engine executes.
// Dispatch happens on this tag with a single switch; there is no element
// type hierarchy.
type ElementType string

const (
	ElementStartEvent       ElementType = "startEvent"
	ElementEndEvent         ElementType = "endEvent"
	ElementUserTask         ElementType = "userTask"
	ElementServiceTask      ElementType = "serviceTask"
	ElementParallelGateway  ElementType = "parallelGateway"
	ElementExclusiveGateway ElementType = "exclusiveGateway"
)

// Element is one node of the process graph. Type-specific attributes are
// only populated for the matching element type.
type Element struct {
	ID   string
	Name string
	Type ElementType

	// User task attributes.
	FormKey    string
	Assignee   string
	FormFields map[string]string

	// Service task attributes. Exactly one of these selects the delegate;
	// the executor enforces that at dispatch time.
	ClassName  string
	Expression string
	Topic      string

	// Exclusive gateway: id of the declared default sequence flow, if any.
	DefaultFlow string
}

// SequenceFlow is a directed edge between two elements, referenced by id
// only. An optional condition expression guards the edge at exclusive
// gateways.
type SequenceFlow struct {
	ID                  string
	Name                string
	SourceRef           string
	TargetRef           string
	ConditionExpression string
}

// Process is a parsed, validated definition. It is immutable after Parse
// returns and is shared freely between instances; instances reference it by
// id, never by pointer identity.
type Process struct {
	id           string
	name         string
	startEventID string
	elements     map[string]Element
	flows        map[string]SequenceFlow
	outgoing     map[string][]SequenceFlow
	incoming     map[string][]SequenceFlow
}

// ID returns the process id from the definition.
func (p *Process) ID() string { return p.id }

// Name returns the display name of the process.
func (p *Process) Name() string { return p.name }

// StartEventID returns the id of the single start event.
func (p *Process) StartEventID() string { return p.startEventID }

// Element looks up an element by id.
func (p *Process) Element(id string) (Element, bool) {
	el, ok := p.elements[id]
	return el, ok
}

// Elements returns the number of elements in the graph.
func (p *Process) Elements() int { return len(p.elements) }

// Flow looks up a sequence flow by id.
func (p *Process) Flow(id string) (SequenceFlow, bool) {
	f, ok := p.flows[id]
	return f, ok
}

// OutgoingFlows returns the flows leaving the element, in XML document
// order. Branch selection depends on this order being stable.
func (p *Process) OutgoingFlows(id string) []SequenceFlow {
	return p.outgoing[id]
}

// IncomingFlows returns the flows entering the element, in XML document
// order.
func (p *Process) IncomingFlows(id string) []SequenceFlow {
	return p.incoming[id]
}

// DefaultFlowOf resolves the declared default flow of an exclusive gateway.
// It returns false when the gateway declares none or the id is not an
// exclusive gateway.
func (p *Process) DefaultFlowOf(gatewayID string) (SequenceFlow, bool) {
	el, ok := p.elements[gatewayID]
	if !ok || el.Type != ElementExclusiveGateway || el.DefaultFlow == "" {
		return SequenceFlow{}, false
	}
	f, ok := p.flows[el.DefaultFlow]
	return f, ok
}

// UserTasks returns all user-task elements of the process.
func (p *Process) UserTasks() []Element {
	return p.elementsOfType(ElementUserTask)
}

// ServiceTasks returns all service-task elements of the process.
func (p *Process) ServiceTasks() []Element {
	return p.elementsOfType(ElementServiceTask)
}

func (p *Process) elementsOfType(t ElementType) []Element {
	var out []Element
	for _, el := range p.elements {
		if el.Type == t {
			out = append(out, el)
		}
	}
	return out
}
