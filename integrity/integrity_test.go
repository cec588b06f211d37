package integrity

import (
	"crypto/rand"
	"testing"
)

func testContext() Context {
	return Context{KitID: "kit-42", ShareIndex: 3, CreatedAt: 1700000000}
}

func TestTagVerifyRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	share := make([]byte, 64)
	rand.Read(share)

	tag := Tag(key, share, testContext())
	if len(tag) != TagSize {
		t.Fatalf("Expected %d-byte tag, got %d", TagSize, len(tag))
	}

	if !Verify(key, share, tag, testContext()) {
		t.Error("Unmodified share must verify")
	}
	// deterministic acceptance
	for i := 0; i < 10; i++ {
		if !Verify(key, share, tag, testContext()) {
			t.Fatal("Verification must be deterministic")
		}
	}
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	share := make([]byte, 48)
	rand.Read(share)

	tag := Tag(key, share, testContext())

	// single-bit flips in the share ciphertext
	for i := range share {
		for bit := 0; bit < 8; bit++ {
			share[i] ^= 1 << bit
			if Verify(key, share, tag, testContext()) {
				t.Fatalf("Bit flip at byte %d bit %d accepted", i, bit)
			}
			share[i] ^= 1 << bit
		}
	}

	// single-bit flips in the tag
	for i := range tag {
		tag[i] ^= 0x01
		if Verify(key, share, tag, testContext()) {
			t.Fatalf("Tag bit flip at byte %d accepted", i)
		}
		tag[i] ^= 0x01
	}
}

func TestTagBoundToContext(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	share := make([]byte, 32)
	rand.Read(share)

	ctx := testContext()
	tag := Tag(key, share, ctx)

	// replay across kits
	other := ctx
	other.KitID = "kit-43"
	if Verify(key, share, tag, other) {
		t.Error("Tag must not verify under a different kit id")
	}

	// reindex within the kit
	other = ctx
	other.ShareIndex = 4
	if Verify(key, share, tag, other) {
		t.Error("Tag must not verify under a different share index")
	}

	// different creation time
	other = ctx
	other.CreatedAt++
	if Verify(key, share, tag, other) {
		t.Error("Tag must not verify under a different timestamp")
	}
}

func TestTagKeySeparation(t *testing.T) {
	keyA := make([]byte, 32)
	keyB := make([]byte, 32)
	rand.Read(keyA)
	rand.Read(keyB)
	share := []byte("share ciphertext bytes")

	tag := Tag(keyA, share, testContext())
	if Verify(keyB, share, tag, testContext()) {
		t.Error("Tag must not verify under a different key")
	}
}
