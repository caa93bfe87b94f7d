package tracelog

import "encoding/json"

// secretKeys are command fields whose values never leave the process.
var secretKeys = []string{"password"}

const redactedValue = `"***"`

// redacted returns event with secrets masked in an outbound frame. Other
// events are returned unchanged.
func (e Event) redacted() Event {
	if e.Frame == nil || e.Direction != DirectionOut {
		return e
	}
	data, ok := RedactFrame(e.Frame.Data)
	if !ok {
		return e
	}
	f := *e.Frame
	f.Data = data
	e.Frame = &f
	return e
}

// RedactFrame masks secret fields of a JSON command frame. It reports false,
// and returns data unchanged, when the frame is not a JSON object or
// carries no secret.
func RedactFrame(data []byte) ([]byte, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data, false
	}
	found := false
	for _, k := range secretKeys {
		if _, ok := fields[k]; ok {
			fields[k] = json.RawMessage(redactedValue)
			found = true
		}
	}
	if !found {
		return data, false
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return data, false
	}
	return out, true
}
