//go:build !real_waku

package waku

func newGoWakuBackend() backend {
	return nil
}
