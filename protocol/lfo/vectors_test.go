package lfo

import (
	"encoding/hex"
	"testing"
)

// Captured ReplyOk payloads from the file service.
const (
	plainReplyHex = "00000000000000d4a330869acb341ad81b4b64f92ed7b85e0a361ab0449017a9f7a5f09276a436550000aaaaaaaa01002200000003000000000002000000c800" +
		"0000ac00000003000800010000000c00000003000000020000001c000000280000000000000038000000940000007800790058ff61006e000000416263644566" +
		"4768696a6b6c4d000000002f1100005c110001470e00014715000158160001470e00015c030001450400007cffff002f0500005c050005000800014d0600012e" +
		"070001410c00014d0d0003000100007cffff002f0800005c08000500110001410f0001451000a00000001c0000000c00000001000000bc000000000000007fc1" +
		"f36f"
	plainDigestHex = "a330869acb341ad81b4b64f92ed7b85e0a361ab0449017a9f7a5f09276a43655"

	xzReplyHex = "000000000000015658dd00985ef1c304b973374fad8726aeac9769fe45d1bea2335630b0899b9ef60001fd377a585a0000016922de36020021011c00000010" +
		"cf58cce0015500645d0055687c400160306c2cec9513bc4360c68796e3b982a76ad18024af592b8f044aae3937e42bec03336fa43a3ecd228463d4545ae8cf99" +
		"a96368bfc3d7137b5f1fe5cb4201c3928e6a07895cba5f7220d2a3f5400768f1a63acc53ae5abbf13d5b6b84000000c3d9916a00017cd602000000155b09133e" +
		"300d8b020000000001595a75e2d281"
	xzDigestHex = "58dd00985ef1c304b973374fad8726aeac9769fe45d1bea2335630b0899b9ef6"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	return b
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
