// Package metadata holds the envelope headers that flowrpc attaches to every
// transport message.
package metadata

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	return m.grow(0)
}

// With returns a clone containing key=value.
func (m Metadata) With(key, value string) Metadata {
	out := m.grow(1)
	out[key] = value
	return out
}

// WithAll returns a clone with entries merged over the existing values.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := m.grow(len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// WithUser returns a clone with the non-reserved entries of user merged in.
// Reserved envelope keys in user are ignored so callers cannot spoof them.
func (m Metadata) WithUser(user Metadata) Metadata {
	out := m.grow(len(user))
	for k, v := range user {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}

func (m Metadata) grow(extra int) Metadata {
	out := make(Metadata, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// New builds Metadata from alternating key/value pairs. A trailing key
// without value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
