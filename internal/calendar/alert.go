package calendar

// Alerter surfaces a failure to the user. Implementations must not block
// for long; they are called on the mutation path.
type Alerter interface {
	Alert(msg string, err error)
}

// Failures are always logged by the caller; a nil Alerter only drops the
// user-facing notice.
type nopAlerter struct{}

func (nopAlerter) Alert(string, error) {}
