package domain

// RouteRequest is the body POSTed to the hosted model routing endpoint.
type RouteRequest struct {
	Conversation Conversation `json:"conversation"`
	Key          string       `json:"key,omitempty"`
	CourseName   string       `json:"course_name"`
	Stream       bool         `json:"stream"`
	Provider     string       `json:"provider,omitempty"`
	Mode         string       `json:"mode,omitempty"`
}

// RouteAnswer is the non-streaming response of the routing endpoint.
type RouteAnswer struct {
	Answer string `json:"answer"`
}

// RouteError is the JSON body of a non-2xx routing endpoint response.
// Error may itself be a JSON-encoded object carrying error and code.
type RouteError struct {
	Error   string `json:"error,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
