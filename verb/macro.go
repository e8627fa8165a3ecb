package verb

// Macro is a named template that expands into one or more verb calls.
// Templates are fixed: expansion never branches on runtime values.
type Macro struct {
	// FQN is the fully-qualified macro name, e.g. "cbu.onboard".
	FQN string

	// Args are the macro's declared arguments.
	Args []ArgSpec

	// Steps are the template steps the macro expands to, in order.
	// A step's verb may itself name another macro.
	Steps []TemplateStep
}

// Missing returns the required arguments absent from have, in declaration
// order.
func (m *Macro) Missing(have map[string]bool) []ArgSpec {
	return missingArgs(m.Args, have)
}

// TemplateStep is one entry of a macro template.
type TemplateStep struct {
	// Verb is the FQN invoked by this step; it may name a macro, in
	// which case expansion recurses.
	Verb string

	// Args maps argument names to template strings. A template is either
	// a literal or contains ${arg.NAME} / ${scope.NAME} placeholders
	// substituted during expansion.
	Args map[string]string

	// Produces optionally names the binding this step's output is
	// published under for later steps.
	Produces string
}
