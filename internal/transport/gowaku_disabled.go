//go:build !real_waku

package transport

// The go-waku backend pulls in a large dependency tree, so it stays behind
// the real_waku build tag. Without it the node falls back to the mock
// transport and Start reports the backend as unavailable.
func newWakuBackend() wakuBackend {
	return nil
}
