package vmm

// Data is the success payload of an action. The set of implementations is
// closed: Empty for most actions, MachineConfiguration for
// GetVMConfiguration.
type Data interface {
	data()
}

// Empty is returned by actions that produce no payload.
type Empty struct{}

// MachineConfiguration is the VM configuration held by the engine.
type MachineConfiguration struct {
	Config VMConfigInfo
}

func (Empty) data()                {}
func (MachineConfiguration) data() {}

// Outcome is the result of executing exactly one Action. Exactly one of
// Data and Err is set.
type Outcome struct {
	Data Data
	Err  *ActionError
}

// Succeed returns a successful outcome carrying d. A nil d becomes Empty.
func Succeed(d Data) Outcome {
	if d == nil {
		d = Empty{}
	}
	return Outcome{Data: d}
}

// Fail returns a failed outcome.
func Fail(err *ActionError) Outcome {
	return Outcome{Err: err}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Err == nil
}
