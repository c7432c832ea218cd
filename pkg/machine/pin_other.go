//go:build !unix

package machine

// NewPinner returns a no-op Pinner on hosts without an mlock analog.
func NewPinner() Pinner {
	return NopPinner{}
}
