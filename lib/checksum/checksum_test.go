package checksum

import "testing"

func TestChunkDigest(t *testing.T) {
	data := []byte("hello world")

	digest := Chunk(data)
	if digest == "" || digest != Chunk(data) {
		t.Error("digest must be stable")
	}

	if !Verify(data, digest) {
		t.Error("verify should accept matching data")
	}
	if Verify([]byte("tampered"), digest) {
		t.Error("verify should reject mismatched data")
	}
}
