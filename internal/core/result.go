package core

// Result is the transport-neutral outcome of one procedure call. Business
// failures set Success false with a human-readable Message; transport faults
// surface as errors instead.
type Result struct {
	Success      bool
	Message      string
	Token        string
	Secrets      map[string]string
	Projects     []string
	Environments []string
	Found        *bool
}

func ok(message string) Result {
	return Result{Success: true, Message: message}
}

func fail(message string) Result {
	return Result{Success: false, Message: message}
}
