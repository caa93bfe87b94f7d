package protocol

// Response is a decoded device reply. The payload is schema-free; concrete
// commands project named fields out of it.
type Response struct {
	Success bool
	Message string
	Payload map[string]any
}

// ParseResponse lifts the envelope fields out of a decoded payload. success
// is true only for a JSON true; message is kept only when it is a string.
func ParseResponse(payload map[string]any) Response {
	r := Response{Payload: payload}
	if v, ok := payload["success"].(bool); ok {
		r.Success = v
	}
	if v, ok := payload["message"].(string); ok {
		r.Message = v
	}
	return r
}

// Has reports whether the payload carries key.
func (r Response) Has(key string) bool {
	_, ok := r.Payload[key]
	return ok
}
