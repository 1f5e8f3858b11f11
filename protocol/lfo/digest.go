//go:build !cloudproto_nodigest

package lfo

func init() {
	builtinVerifier = DigestSHA256{}
}
