package assets

import "testing"

func pushData(b []byte) []byte {
	out := []byte{byte(len(b))}
	return append(out, b...)
}

func TestClassifyPlainScript(t *testing.T) {
	c := Classify(0, []byte{0x76, 0xa9, 0x14})
	if c.Asset != nil || c.Null != NullNone {
		t.Fatalf("expected no classification, got %+v", c)
	}
}

func TestClassifyNullAddressTag(t *testing.T) {
	h160 := make([]byte, 20)
	payload := append([]byte("rvn"), 'q')
	payload = append(payload, []byte("#QUAL")...)
	script := append([]byte{OpMewcAsset}, pushData(h160)...)
	script = append(script, pushData(payload)...)

	c := Classify(0, script)
	if c.Null != NullAddressTag {
		t.Fatalf("expected NullAddressTag, got %v", c.Null)
	}
	if c.Asset == nil || c.Asset.Type != ScriptIssue {
		t.Fatalf("expected parsed asset op, got %+v", c.Asset)
	}
}

func TestClassifyAssetTransferOutput(t *testing.T) {
	name := []byte{5, 'F', 'O', 'O', '!', 'X'}
	blob := append([]byte("rvn"), 't')
	blob = append(blob, name...)
	script := []byte{0x76, 0xa9, 0x14}
	script = append(script, make([]byte, 20)...)
	script = append(script, 0x88, 0xac, OpMewcAsset)
	script = append(script, pushData(blob)...)

	c := Classify(1, script)
	if c.Asset == nil {
		t.Fatalf("expected asset classification")
	}
	if c.Asset.Type != ScriptTransfer {
		t.Fatalf("expected ScriptTransfer, got %v", c.Asset.Type)
	}
	if c.PrefixEnd != 25 {
		t.Fatalf("expected prefix end at 25 (before OP_MEWC_ASSET), got %d", c.PrefixEnd)
	}
}

func TestParseIssueRoundTrip(t *testing.T) {
	blob := []byte{3, 'F', 'O', 'O'}
	blob = append(blob, 0xe8, 0x03, 0, 0, 0, 0, 0, 0) // supply 1000
	blob = append(blob, 0)                            // divisions
	blob = append(blob, 1)                             // reissuable
	blob = append(blob, 0)                             // no associated data
	f, err := ParseIssue(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Name != "FOO" || f.Supply != 1000 || f.Divisions != 0 || !f.Reissuable || f.HasAssociatedData {
		t.Fatalf("unexpected fields: %+v", f)
	}
}
