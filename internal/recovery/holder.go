package recovery

// Named adapts a holder whose states are string-kinded so that holders of
// different state types can share one Manager[string].
func Named[S ~string](h StateHolder[S]) StateHolder[string] {
	return namedHolder[S]{h: h}
}

type namedHolder[S ~string] struct {
	h StateHolder[S]
}

func (n namedHolder[S]) States() map[string]string {
	in := n.h.States()
	out := make(map[string]string, len(in))
	for id, st := range in {
		out[id] = string(st)
	}
	return out
}

func (n namedHolder[S]) RestoreStates(states map[string]string) error {
	typed := make(map[string]S, len(states))
	for id, st := range states {
		typed[id] = S(st)
	}
	return n.h.RestoreStates(typed)
}
