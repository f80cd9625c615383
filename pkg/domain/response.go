package domain

// StatusClass buckets a response status into the three routing classes.
type StatusClass string

const (
	// ClassSuccess covers statuses in [200, 300).
	ClassSuccess StatusClass = "success"
	// ClassClientFailure covers statuses in [400, 500).
	ClassClientFailure StatusClass = "failure"
	// ClassError covers everything else, including informational, redirect
	// and server error statuses.
	ClassError StatusClass = "error"
)

// ClassifyStatus maps an HTTP-style status code to its routing class.
func ClassifyStatus(status int) StatusClass {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status >= 400 && status < 500:
		return ClassClientFailure
	default:
		return ClassError
	}
}

// ResponseEnvelope is the result of a dispatched request.
type ResponseEnvelope struct {
	Status  int     `json:"status"`
	Body    any     `json:"body,omitempty"`
	Headers Headers `json:"headers,omitempty"`
	// Request is a diagnostic copy of the request that produced this response.
	Request *RequestSpec `json:"request,omitempty"`
}

// Class returns the routing class of the response status.
func (r ResponseEnvelope) Class() StatusClass {
	return ClassifyStatus(r.Status)
}

// Clone returns a deep copy of the envelope.
func (r ResponseEnvelope) Clone() ResponseEnvelope {
	out := ResponseEnvelope{
		Status:  r.Status,
		Body:    CloneValue(r.Body),
		Headers: r.Headers.Clone(),
	}
	if r.Request != nil {
		req := r.Request.Clone()
		out.Request = &req
	}
	return out
}
