package socket

import (
	"encoding/hex"

	"github.com/danmuck/cloudproto/protocol/frame"
)

// traceFrame dumps a frame at trace level. raw is the encoded form when known.
func (s *Socket) traceFrame(dir string, f frame.Frame, raw []byte) {
	ev := s.log.Trace()
	if !ev.Enabled() {
		return
	}
	dump := raw
	if dump == nil {
		dump = f.Payload
	}
	ev.Str("dir", dir).
		Stringer("magic", f.Magic).
		Uint8("kind", f.Kind).
		Stringer("version", f.Version).
		Int("payload", len(f.Payload)).
		Str("hex", hex.EncodeToString(dump)).
		Msg("frame")
}
