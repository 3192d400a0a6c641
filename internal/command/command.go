package command

// Request is the common surface for commands and queries submitted to the Bus.
type Request interface {
	CommandName() string
}

// Command marks a mutating request. RequestID returns the client-supplied
// deduplication key; an empty key opts the command out of deduplication.
type Command interface {
	Request
	RequestID() string
}

// Validator lets a request add checks beyond its struct tags. A returned
// error short-circuits the pipeline before any I/O.
type Validator interface {
	Validate() error
}
