package bletest

import "time"

// Reply answers every command with v.
func Reply(v any) Responder {
	return func(p *Peripheral, _ []byte) { p.NotifyJSON(v) }
}

// ReplyAfter answers every command with v after d.
func ReplyAfter(d time.Duration, v any) Responder {
	return func(p *Peripheral, _ []byte) {
		time.Sleep(d)
		p.NotifyJSON(v)
	}
}

// DropAfter tears the link down d after a command is written.
func DropAfter(d time.Duration, reason error) Responder {
	return func(p *Peripheral, _ []byte) {
		time.Sleep(d)
		p.Drop(reason)
	}
}

// Sequence delivers each raw value in order, then stops.
func Sequence(values ...[]byte) Responder {
	return func(p *Peripheral, _ []byte) {
		for _, v := range values {
			p.Notify(v)
		}
	}
}
